package persistence

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ driver.Valuer = &datatypes.JSON{}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	db.Migrator().AutoMigrate(&RoomRecord{}, &AffiliationRecord{})
	return db, nil
}

func (p *GormPersist) LoadRoom(name string) (*RoomRecord, []*AffiliationRecord, error) {
	record := RoomRecord{Name: name}
	err := p.db.First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, types.ErrRoomNotFound
		}
		return nil, nil, err
	}
	affiliations := make([]*AffiliationRecord, 0)
	err = p.db.Where("room_name = ?", name).Find(&affiliations).Error
	if err != nil {
		return nil, nil, err
	}
	return &record, affiliations, nil
}

func (p *GormPersist) SaveRoom(record RoomRecord, affiliations []*AffiliationRecord) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
		if err != nil {
			return err
		}
		err = tx.Where("room_name = ?", record.Name).Delete(&AffiliationRecord{}).Error
		if err != nil {
			return err
		}
		if len(affiliations) == 0 {
			return nil
		}
		return tx.Create(&affiliations).Error
	})
}

func (p *GormPersist) DeleteRoom(name string) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("room_name = ?", name).Delete(&AffiliationRecord{}).Error
		if err != nil {
			return err
		}
		return tx.Delete(&RoomRecord{Name: name}).Error
	})
}

func (p *GormPersist) RoomNames() ([]string, error) {
	names := make([]string, 0)
	err := p.db.Model(&RoomRecord{}).Pluck("name", &names).Error
	return names, err
}

func (p *GormPersist) LoadRooms() ([]*RoomRecord, error) {
	records := make([]*RoomRecord, 0)
	err := p.db.Find(&records).Error
	return records, err
}

func (p *GormPersist) UpdateInMemoryFlag(name string, inMemory bool) error {
	return p.db.Model(&RoomRecord{Name: name}).Update("in_memory", inMemory).Error
}

func (p *GormPersist) UpdateSubject(name, subject string) error {
	return p.db.Model(&RoomRecord{Name: name}).Update("subject", subject).Error
}

func (p *GormPersist) SaveAffiliation(roomName, jid, nickname string, newAff, oldAff types.Affiliation) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("room_name = ? AND jid = ?", roomName, jid).Delete(&AffiliationRecord{}).Error
		if err != nil {
			return err
		}
		if newAff == types.AffiliationNone {
			return nil
		}
		record := AffiliationRecord{
			RoomName:    roomName,
			JID:         jid,
			Nickname:    nickname,
			Affiliation: newAff.String(),
		}
		return tx.Create(&record).Error
	})
}

func (p *GormPersist) RemoveAffiliation(roomName, jid string, oldAff types.Affiliation) error {
	return p.db.Where("room_name = ? AND jid = ?", roomName, jid).Delete(&AffiliationRecord{}).Error
}

func (p *GormPersist) Close() error {
	return nil
}
