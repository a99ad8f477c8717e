package store

import (
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zammdefi/pmcore/internal/engine"
)

var log = logrus.WithField("component", "store")

// stateKey 引擎全量状态的存储键
var stateKey = []byte("pmcore/state")

// Store badger 持久化：保存/恢复引擎全量状态。
// 值是 JSON 编码的 engine.State，整体读写，不做增量。
type Store struct {
	db *badger.DB
}

// Open 打开（或创建）数据目录
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %s", dir)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveState 保存引擎状态
func (s *Store) SaveState(state *engine.State) error {
	b, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal engine state")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, b)
	})
	if err != nil {
		return errors.Wrap(err, "save engine state")
	}
	log.WithFields(logrus.Fields{
		"seq":   state.Seq,
		"bytes": len(b),
	}).Debug("引擎状态已保存")
	return nil
}

// LoadState 读取引擎状态；没有存档返回 (nil, nil)
func (s *Store) LoadState() (*engine.State, error) {
	var state *engine.State
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state = &engine.State{}
			return json.Unmarshal(val, state)
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "load engine state")
	}
	return state, nil
}
