package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-tio/tio"
	"go.etcd.io/bbolt"
)

var (
	runsBucket    = []byte("runs")
	packetsBucket = []byte("packets")

	keyStarted = []byte("started_at")
	keyScope   = []byte("scope")
	keyFilter  = []byte("filter")
)

var errRunNotFound = errors.New("run not found")

// runInfo describes one recording.
type runInfo struct {
	ID        string
	StartedAt time.Time
	Scope     tio.Route
	Filter    tio.TypeFilter
	Packets   int
}

// store keeps recorded packets in a bbolt file. Each run is a bucket under "runs" holding its
// metadata and a "packets" bucket of encoded frames keyed by sequence number.
type store struct {
	db *bbolt.DB
}

func openStore(path string) (*store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	return &store{db: db}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) beginRun(info runInfo) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		run, err := tx.Bucket(runsBucket).CreateBucket([]byte(info.ID))
		if err != nil {
			return fmt.Errorf("create run %s: %w", info.ID, err)
		}
		if _, err := run.CreateBucket(packetsBucket); err != nil {
			return err
		}

		started, err := info.StartedAt.MarshalBinary()
		if err != nil {
			return err
		}
		if err := run.Put(keyStarted, started); err != nil {
			return err
		}
		if err := run.Put(keyScope, info.Scope.Hops()); err != nil {
			return err
		}

		return run.Put(keyFilter, []byte{byte(info.Filter)})
	})
}

// appendPackets stores pkts in one transaction.
func (s *store) appendPackets(runID string, pkts []tio.Packet) error {
	if len(pkts) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		packets, err := packetBucket(tx, runID)
		if err != nil {
			return err
		}

		for _, pkt := range pkts {
			seq, err := packets.NextSequence()
			if err != nil {
				return err
			}
			// bbolt keeps a reference to the value until the transaction ends
			frame, err := tio.Encode(pkt)
			if err != nil {
				return err
			}
			if err := packets.Put(seqKey(seq), frame); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *store) runs() ([]runInfo, error) {
	var infos []runInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).ForEachBucket(func(id []byte) error {
			info, err := readRunInfo(tx.Bucket(runsBucket).Bucket(id), string(id))
			if err != nil {
				return err
			}
			infos = append(infos, info)

			return nil
		})
	})

	return infos, err
}

// packets calls fn for every packet of a run in recording order.
func (s *store) packets(runID string, fn func(seq uint64, pkt tio.Packet) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		packets, err := packetBucket(tx, runID)
		if err != nil {
			return err
		}

		return packets.ForEach(func(k, v []byte) error {
			res := tio.Decode(v)
			if len(res.Packets) != 1 {
				return fmt.Errorf("run %s: corrupt packet %d", runID, binary.BigEndian.Uint64(k))
			}

			return fn(binary.BigEndian.Uint64(k), res.Packets[0])
		})
	})
}

func readRunInfo(run *bbolt.Bucket, id string) (runInfo, error) {
	info := runInfo{ID: id}
	if err := info.StartedAt.UnmarshalBinary(run.Get(keyStarted)); err != nil {
		return info, fmt.Errorf("run %s: %w", id, err)
	}

	scope, err := tio.NewRoute(run.Get(keyScope)...)
	if err != nil {
		return info, fmt.Errorf("run %s: %w", id, err)
	}
	info.Scope = scope

	if f := run.Get(keyFilter); len(f) == 1 {
		info.Filter = tio.TypeFilter(f[0])
	}
	info.Packets = run.Bucket(packetsBucket).Stats().KeyN

	return info, nil
}

func packetBucket(tx *bbolt.Tx, runID string) (*bbolt.Bucket, error) {
	run := tx.Bucket(runsBucket).Bucket([]byte(runID))
	if run == nil {
		return nil, fmt.Errorf("%w: %s", errRunNotFound, runID)
	}

	return run.Bucket(packetsBucket), nil
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}
