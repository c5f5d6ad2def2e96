package storage

import (
	"fmt"
	"time"

	"github.com/drover-io/drover/cluster"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PgMember struct {
	Service        string `gorm:"primaryKey"`
	GroupName      string `gorm:"primaryKey"`
	MemberID       string `gorm:"primaryKey"`
	Hostname       string
	Address        string
	Incarnation    int64
	PackageVersion string
	Health         int
	Vote           string
	RolloutState   string
	Tags           pq.StringArray `gorm:"type:string[]"`
	UpdatedAt      int64
}

func (p PgMember) TableName() string {
	return "members"
}

type PgSuspicion struct {
	Service   string `gorm:"primaryKey"`
	GroupName string `gorm:"primaryKey"`
	SuspectID string `gorm:"primaryKey"`
	AccuserID string `gorm:"primaryKey"`
	Timestamp int64
}

func (p PgSuspicion) TableName() string {
	return "suspicions"
}

type PostgresqlStore struct {
	MemberStore
	db *gorm.DB
}

func NewPostgresqlMemberStore(dsn string) (*PostgresqlStore, error) {
	if db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{}); err != nil {
		return nil, err
	} else {
		return &PostgresqlStore{db: db}, nil
	}
}

func toRecord(m PgMember) cluster.Member {
	return cluster.Member{
		ID:             m.MemberID,
		Hostname:       m.Hostname,
		Address:        m.Address,
		Service:        m.Service,
		Group:          m.GroupName,
		Incarnation:    m.Incarnation,
		PackageVersion: m.PackageVersion,
		Health:         cluster.Health(m.Health),
		Vote:           m.Vote,
		RolloutState:   m.RolloutState,
		Tags:           m.Tags,
	}
}

func (p *PostgresqlStore) GetMembers(service, group string) ([]cluster.Member, error) {
	members := make([]PgMember, 0)
	if result := p.db.Where(&PgMember{Service: service, GroupName: group}).Find(&members); result.Error != nil {
		return nil, result.Error
	} else {
		records := make([]cluster.Member, 0)
		for _, member := range members {
			records = append(records, toRecord(member))
		}
		return records, nil
	}
}

func (p *PostgresqlStore) Announce(member *cluster.Member) error {
	upsertClause := clause.OnConflict{UpdateAll: true}
	lockingClause := clause.Locking{Strength: "UPDATE"}
	pgMember := PgMember{
		Service:        member.Service,
		GroupName:      member.Group,
		MemberID:       member.ID,
		Hostname:       member.Hostname,
		Address:        member.Address,
		Incarnation:    member.Incarnation,
		PackageVersion: member.PackageVersion,
		Health:         int(member.Health),
		Vote:           member.Vote,
		RolloutState:   member.RolloutState,
		Tags:           member.Tags,
		UpdatedAt:      time.Now().UnixMicro(),
	}
	return p.db.Clauses(upsertClause, lockingClause).Create(pgMember).Error
}

func (p *PostgresqlStore) GetSuspicions(member *cluster.Member) ([]cluster.Suspicion, error) {
	suspicions := make([]PgSuspicion, 0)
	query := &PgSuspicion{Service: member.Service, GroupName: member.Group, SuspectID: member.ID}
	if result := p.db.Where(query).Find(&suspicions); result.Error != nil {
		return nil, result.Error
	} else {
		records := make([]cluster.Suspicion, 0)
		for _, suspicion := range suspicions {
			records = append(records, cluster.Suspicion{
				Suspect: cluster.Member{
					ID:      suspicion.SuspectID,
					Service: suspicion.Service,
					Group:   suspicion.GroupName,
				},
				Accuser: cluster.Member{
					ID:      suspicion.AccuserID,
					Service: suspicion.Service,
					Group:   suspicion.GroupName,
				},
				Timestamp: suspicion.Timestamp,
			})
		}
		return records, nil
	}
}

func (p *PostgresqlStore) DeclareDeparted(member *cluster.Member) error {
	update := p.db.Model(&PgMember{}).
		Where("service = ? AND group_name = ? AND member_id = ?", member.Service, member.Group, member.ID).
		Update("health", int(cluster.HealthDeparted))
	return update.Error
}

func (p *PostgresqlStore) DeclareSuspect(accuser, suspect *cluster.Member) error {
	suspicion := PgSuspicion{
		Service:   suspect.Service,
		GroupName: suspect.Group,
		SuspectID: suspect.ID,
		AccuserID: accuser.ID,
		Timestamp: time.Now().UnixMicro(),
	}
	upsertClause := clause.OnConflict{UpdateAll: true}
	lockingClause := clause.Locking{Strength: "UPDATE"}
	return p.db.Clauses(upsertClause, lockingClause).Create(&suspicion).Error
}

func (p *PostgresqlStore) RemoveSuspicions(member *cluster.Member) error {
	query := PgSuspicion{Service: member.Service, GroupName: member.Group, SuspectID: member.ID}
	return p.db.Delete(&PgSuspicion{}, query).Error
}

func (p *PostgresqlStore) LatestSuspicion(member *cluster.Member) (*cluster.Suspicion, error) {
	suspicions := make([]PgSuspicion, 0)
	query := &PgSuspicion{Service: member.Service, GroupName: member.Group, SuspectID: member.ID}
	if result := p.db.Where(query).Order("timestamp DESC").Limit(1).Find(&suspicions); result.Error != nil {
		return nil, result.Error
	} else {
		if len(suspicions) == 0 {
			return nil, nil
		}

		if len(suspicions) == 1 {
			return &cluster.Suspicion{
				Suspect: cluster.Member{
					ID:      suspicions[0].SuspectID,
					Service: suspicions[0].Service,
					Group:   suspicions[0].GroupName,
				},
				Accuser: cluster.Member{
					ID:      suspicions[0].AccuserID,
					Service: suspicions[0].Service,
					Group:   suspicions[0].GroupName,
				},
				Timestamp: suspicions[0].Timestamp,
			}, nil
		} else {
			return nil, fmt.Errorf("more than one suspicion found for %s", member.ID)
		}
	}
}
