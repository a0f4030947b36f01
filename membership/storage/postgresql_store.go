package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const membersTable = "members"

type PgMember struct {
	UniqueID  string `gorm:"primaryKey"`
	Host      []byte
	Port      int
	Domain    []byte
	Payload   []byte
	AliveTime int64
	LastSeen  int64 `gorm:"index"`
}

func (p PgMember) TableName() string {
	return membersTable
}

type PostgresqlStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewPostgresqlMemberStore connects to dsn. Rows not refreshed within ttl
// are ignored by GetMembers and deleted by Purge.
func NewPostgresqlMemberStore(dsn string, ttl time.Duration) (*PostgresqlStore, error) {
	if db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{}); err != nil {
		return nil, err
	} else {
		if err := db.AutoMigrate(&PgMember{}); err != nil {
			return nil, fmt.Errorf("unable to migrate members table: %v", err)
		}
		return &PostgresqlStore{db: db, ttl: ttl}, nil
	}
}

func (p *PostgresqlStore) cutoff() int64 {
	return time.Now().Add(-p.ttl).UnixMilli()
}

func (p *PostgresqlStore) GetMembers(ctx context.Context) ([]*cluster.Member, error) {
	rows := make([]PgMember, 0)
	if result := p.db.WithContext(ctx).Where("last_seen > ?", p.cutoff()).Find(&rows); result.Error != nil {
		return nil, result.Error
	} else {
		members := make([]*cluster.Member, 0, len(rows))
		for _, row := range rows {
			m, err := fromPgMember(row)
			if err != nil {
				return nil, err
			}
			members = append(members, m)
		}
		return members, nil
	}
}

func (p *PostgresqlStore) Announce(ctx context.Context, member *cluster.Member) error {
	upsertClause := clause.OnConflict{UpdateAll: true}
	row := toPgMember(member)
	row.LastSeen = time.Now().UnixMilli()
	return p.db.WithContext(ctx).Clauses(upsertClause).Create(&row).Error
}

func (p *PostgresqlStore) Remove(ctx context.Context, member *cluster.Member) error {
	return p.db.WithContext(ctx).Delete(&PgMember{}, "unique_id = ?", member.UniqueID.String()).Error
}

// Purge deletes rows older than the ttl and returns how many were removed.
func (p *PostgresqlStore) Purge(ctx context.Context) (int64, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE last_seen <= ?", pq.QuoteIdentifier(membersTable))
	result := p.db.WithContext(ctx).Exec(stmt, p.cutoff())
	return result.RowsAffected, result.Error
}

func toPgMember(m *cluster.Member) PgMember {
	return PgMember{
		UniqueID:  m.UniqueID.String(),
		Host:      m.Host,
		Port:      m.Port,
		Domain:    m.Domain,
		Payload:   m.Payload,
		AliveTime: m.AliveTime,
	}
}

func fromPgMember(row PgMember) (*cluster.Member, error) {
	id, err := parseUniqueID(row.UniqueID)
	if err != nil {
		return nil, err
	}
	return &cluster.Member{
		Host:      row.Host,
		Port:      row.Port,
		UniqueID:  id,
		Domain:    row.Domain,
		Payload:   row.Payload,
		AliveTime: row.AliveTime,
	}, nil
}
