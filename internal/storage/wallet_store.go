package storage

import (
	"encoding/json"
	"fmt"

	"github.com/thanhnp/chain-node/internal/models"
)

// WalletStore is the wallet directory: one JSON record per wallet.
type WalletStore struct {
	db      *PebbleDB
	network string
}

// NewWalletStore creates a new WalletStore
func NewWalletStore(db *PebbleDB, network string) *WalletStore {
	return &WalletStore{db: db, network: network}
}

// walletKey creates a key for the wallets column family
func walletKey(network, name string) []byte {
	return []byte(fmt.Sprintf("%s:%s", network, name))
}

// NewBatch starts a batch on the wallet database.
func (s *WalletStore) NewBatch() *WriteBatch {
	return s.db.NewBatch()
}

// Save stores a wallet record
func (s *WalletStore) Save(w *models.Wallet) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal wallet: %w", err)
	}
	return s.db.Put(CFWallets, walletKey(s.network, w.Name), data)
}

// SaveBatch adds a wallet record to batch
func (s *WalletStore) SaveBatch(batch *WriteBatch, w *models.Wallet) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal wallet: %w", err)
	}
	return batch.Put(CFWallets, walletKey(s.network, w.Name), data)
}

// Get retrieves a wallet record by name
func (s *WalletStore) Get(name string) (*models.Wallet, error) {
	data, err := s.db.Get(CFWallets, walletKey(s.network, name))
	if err != nil || data == nil {
		return nil, err
	}

	var w models.Wallet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &PersistenceError{Op: "decode", Key: string(walletKey(s.network, name)), Err: err}
	}
	return &w, nil
}

// List returns every wallet record in key order
func (s *WalletStore) List() ([]*models.Wallet, error) {
	iter, err := s.db.NewPrefixIterator(CFWallets, []byte(s.network+":"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var wallets []*models.Wallet
	for ; iter.Valid(); iter.Next() {
		var w models.Wallet
		if err := json.Unmarshal(iter.Value(), &w); err != nil {
			return nil, &PersistenceError{Op: "decode", Key: string(iter.Key()), Err: err}
		}
		wallets = append(wallets, &w)
	}
	return wallets, nil
}

// Delete removes a wallet record
func (s *WalletStore) Delete(name string) error {
	return s.db.Delete(CFWallets, walletKey(s.network, name))
}
