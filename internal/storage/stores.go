package storage

// Paths locates the three persisted artifacts.
type Paths struct {
	Headers string
	Blocks  string
	Wallets string
}

// Stores holds every store for one network
type Stores struct {
	BlockDB  *PebbleDB
	WalletDB *PebbleDB
	Headers  *HeaderFile
	Blocks   *BlockStore
	Txs      *TxStore
	Wallets  *WalletStore
	Sync     *SyncStore
}

// Open opens the header file, the block directory and the wallet directory.
func Open(paths Paths, network string) (*Stores, error) {
	headers, err := OpenHeaderFile(paths.Headers)
	if err != nil {
		return nil, err
	}
	blockDB, err := NewPebbleDB(paths.Blocks, DefaultOptions())
	if err != nil {
		headers.Close()
		return nil, err
	}
	walletDB, err := NewPebbleDB(paths.Wallets, Options{CacheSize: 8 << 20, MaxOpenFiles: 64})
	if err != nil {
		headers.Close()
		blockDB.Close()
		return nil, err
	}

	blocks := NewBlockStore(blockDB, network)
	return &Stores{
		BlockDB:  blockDB,
		WalletDB: walletDB,
		Headers:  headers,
		Blocks:   blocks,
		Txs:      NewTxStore(blockDB, blocks),
		Wallets:  NewWalletStore(walletDB, network),
		Sync:     NewSyncStore(walletDB, network),
	}, nil
}

// Close closes everything, returning the first error.
func (s *Stores) Close() error {
	var first error
	for _, closeFn := range []func() error{s.Headers.Close, s.BlockDB.Close, s.WalletDB.Close} {
		if err := closeFn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
