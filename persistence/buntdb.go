package persistence

import (
	"encoding/json"
	"strings"

	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/types"
	"github.com/tidwall/buntdb"
)

const (
	roomKeyPrefix = "room:"
	affKeyPrefix  = "aff:"
)

type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	db, err := setupBuntDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	return &BuntDBPersist{db}, nil
}

func setupBuntDB(cfg *config.Config) (*buntdb.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("rooms", roomKeyPrefix+"*", buntdb.IndexJSON("name"))
	if err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	return db, nil
}

func affKey(roomName, jid string) string {
	return affKeyPrefix + roomName + ":" + jid
}

func (p *BuntDBPersist) LoadRoom(name string) (*RoomRecord, []*AffiliationRecord, error) {
	record := RoomRecord{}
	affiliations := make([]*AffiliationRecord, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(roomKeyPrefix + name)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(val), &record); err != nil {
			return err
		}
		prefix := affKeyPrefix + name + ":"
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			aff := AffiliationRecord{}
			if err := json.Unmarshal([]byte(value), &aff); err == nil {
				affiliations = append(affiliations, &aff)
			}
			return true
		})
	})
	if err == buntdb.ErrNotFound {
		return nil, nil, types.ErrRoomNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return &record, affiliations, nil
}

func (p *BuntDBPersist) SaveRoom(record RoomRecord, affiliations []*AffiliationRecord) error {
	r, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(roomKeyPrefix+record.Name, string(r), nil); err != nil {
			return err
		}
		// replace the affiliation set wholesale
		stale := make([]string, 0)
		prefix := affKeyPrefix + record.Name + ":"
		err := tx.AscendKeys(prefix+"*", func(key, value string) bool {
			stale = append(stale, key)
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil {
				return err
			}
		}
		for _, aff := range affiliations {
			a, err := json.Marshal(aff)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(affKey(record.Name, aff.JID), string(a), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) DeleteRoom(name string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(roomKeyPrefix + name); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		stale := make([]string, 0)
		prefix := affKeyPrefix + name + ":"
		err := tx.AscendKeys(prefix+"*", func(key, value string) bool {
			stale = append(stale, key)
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) RoomNames() ([]string, error) {
	names := make([]string, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(roomKeyPrefix+"*", func(key, value string) bool {
			names = append(names, strings.TrimPrefix(key, roomKeyPrefix))
			return true
		})
	})
	return names, err
}

func (p *BuntDBPersist) LoadRooms() ([]*RoomRecord, error) {
	records := make([]*RoomRecord, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(roomKeyPrefix+"*", func(key, value string) bool {
			record := RoomRecord{}
			if err := json.Unmarshal([]byte(value), &record); err == nil {
				records = append(records, &record)
			}
			return true
		})
	})
	return records, err
}

func (p *BuntDBPersist) updateRoom(name string, update func(record *RoomRecord)) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(roomKeyPrefix + name)
		if err != nil {
			return err
		}
		record := RoomRecord{}
		if err := json.Unmarshal([]byte(val), &record); err != nil {
			return err
		}
		update(&record)
		r, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(roomKeyPrefix+name, string(r), nil)
		return err
	})
}

func (p *BuntDBPersist) UpdateInMemoryFlag(name string, inMemory bool) error {
	return p.updateRoom(name, func(record *RoomRecord) { record.InMemory = inMemory })
}

func (p *BuntDBPersist) UpdateSubject(name, subject string) error {
	return p.updateRoom(name, func(record *RoomRecord) { record.Subject = subject })
}

func (p *BuntDBPersist) SaveAffiliation(roomName, jid, nickname string, newAff, oldAff types.Affiliation) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		if newAff == types.AffiliationNone {
			_, err := tx.Delete(affKey(roomName, jid))
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		aff := AffiliationRecord{
			RoomName:    roomName,
			JID:         jid,
			Nickname:    nickname,
			Affiliation: newAff.String(),
		}
		a, err := json.Marshal(aff)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(affKey(roomName, jid), string(a), nil)
		return err
	})
}

func (p *BuntDBPersist) RemoveAffiliation(roomName, jid string, oldAff types.Affiliation) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(affKey(roomName, jid))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
