package repository

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"

	"cron-keeper/db"
	"cron-keeper/errs"
	"cron-keeper/models"
)

const (
	networkPrefix  = "network:"
	eventPrefix    = "event:"
	treasuryParams = "treasury:params"
)

// NetworkRepositoryInterface stores the sequencer's rotation
type NetworkRepositoryInterface interface {
	PutNetwork(n *models.Network) error
	DeleteNetwork(name string) error
	GetAllNetworks() ([]*models.Network, error)
}

// TreasuryRepositoryInterface stores the refill parameters
type TreasuryRepositoryInterface interface {
	PutTreasuryParams(p *models.TreasuryParams) error
	GetTreasuryParams() (*models.TreasuryParams, error)
}

// EventRepositoryInterface stores emitted events
type EventRepositoryInterface interface {
	PutEvents(events []*models.Event) error
	GetEvents(limit int) ([]*models.Event, error)
}

// Repository implements all repository interfaces using LevelDB as the storage backend
type Repository struct {
	db *db.LevelDB
}

// NewRepository creates and returns a new Repository instance
func NewRepository(db *db.LevelDB) *Repository {
	return &Repository{db: db}
}

// PutNetwork stores a network keyed by its name
func (r *Repository) PutNetwork(n *models.Network) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(networkPrefix+n.Name), data)
}

// DeleteNetwork removes a network, failing with errs.ErrNotFound when absent
func (r *Repository) DeleteNetwork(name string) error {
	key := []byte(networkPrefix + name)
	if _, err := r.db.Get(key); err != nil {
		if db.IsNotFound(err) {
			return fmt.Errorf("network %q: %w", name, errs.ErrNotFound)
		}
		return err
	}
	return r.db.Delete(key)
}

// GetAllNetworks returns every network in rotation order
func (r *Repository) GetAllNetworks() ([]*models.Network, error) {
	iter := r.db.NewPrefixIterator([]byte(networkPrefix))
	defer iter.Release()

	var networks []*models.Network
	for iter.Next() {
		var n models.Network
		if err := json.Unmarshal(iter.Value(), &n); err != nil {
			return nil, err
		}
		networks = append(networks, &n)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i].Seq < networks[j].Seq })
	return networks, nil
}

// PutTreasuryParams replaces the stored refill parameters
func (r *Repository) PutTreasuryParams(p *models.TreasuryParams) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(treasuryParams), data)
}

// GetTreasuryParams returns the stored parameters, or errs.ErrNotFound
func (r *Repository) GetTreasuryParams() (*models.TreasuryParams, error) {
	data, err := r.db.Get([]byte(treasuryParams))
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("treasury params: %w", errs.ErrNotFound)
		}
		return nil, err
	}
	var p models.TreasuryParams
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutEvents writes all events of one action in a single transaction
func (r *Repository) PutEvents(events []*models.Event) error {
	return r.db.Update(func(tx *leveldb.Transaction) error {
		for _, e := range events {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := tx.Put(eventKey(e), data, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEvents returns up to limit most recent events, newest first. A limit of
// zero or less returns everything.
func (r *Repository) GetEvents(limit int) ([]*models.Event, error) {
	iter := r.db.NewPrefixIterator([]byte(eventPrefix))
	defer iter.Release()

	var events []*models.Event
	for ok := iter.Last(); ok; ok = iter.Prev() {
		var e models.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		events = append(events, &e)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, iter.Error()
}

func eventKey(e *models.Event) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", eventPrefix, e.CreatedAt, e.ID))
}
