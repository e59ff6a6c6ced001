package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"tao20/internal/storage"
)

// itemRecordSize is the fixed encoded size of a QueueItem.
// 32 deposit + 20 claimer + 2 asset + 32 deposit amount + 32 mint
// amount + 32 nav + 8 enqueued + 8 expires + 1 status.
const itemRecordSize = 32 + 20 + 2 + 32 + 32 + 32 + 8 + 8 + 1

// encodeItem serializes a queue item.
// Amounts are 32 bytes big-endian; the remaining integers little-endian.
func encodeItem(item *QueueItem) []byte {
	buf := make([]byte, itemRecordSize)

	copy(buf[0:32], item.DepositID[:])
	copy(buf[32:52], item.Claimer[:])
	binary.LittleEndian.PutUint16(buf[52:54], item.AssetID)

	deposit := item.DepositAmount.Bytes32()
	copy(buf[54:86], deposit[:])

	mint := item.MintAmount.Bytes32()
	copy(buf[86:118], mint[:])

	nav := item.NAVAtClaim.Bytes32()
	copy(buf[118:150], nav[:])

	binary.LittleEndian.PutUint64(buf[150:158], uint64(item.EnqueuedAt))
	binary.LittleEndian.PutUint64(buf[158:166], uint64(item.ExpiresAt))
	buf[166] = byte(item.Status)

	return buf
}

// decodeItem deserializes a queue item.
func decodeItem(data []byte) (*QueueItem, error) {
	if len(data) != itemRecordSize {
		return nil, fmt.Errorf("invalid item record length: %d", len(data))
	}

	item := &QueueItem{}

	copy(item.DepositID[:], data[0:32])
	copy(item.Claimer[:], data[32:52])
	item.AssetID = binary.LittleEndian.Uint16(data[52:54])

	item.DepositAmount = new(uint256.Int).SetBytes(data[54:86])
	item.MintAmount = new(uint256.Int).SetBytes(data[86:118])
	item.NAVAtClaim = new(uint256.Int).SetBytes(data[118:150])

	item.EnqueuedAt = int64(binary.LittleEndian.Uint64(data[150:158]))
	item.ExpiresAt = int64(binary.LittleEndian.Uint64(data[158:166]))
	item.Status = ItemStatus(data[166])

	return item, nil
}

// persistClaim atomically writes the consumed marker and the queue item
// in one synced batch. The marker must be durable before the claim is
// acknowledged: losing it would reopen the deposit for a second mint
// after a restart. Caller holds the queue lock.
func (q *Queue) persistClaim(item *QueueItem) error {
	if q.db == nil {
		return nil
	}

	return q.db.SetBatchSync([]storage.KeyValue{
		{Key: consumedKey(item.DepositID), Value: []byte{1}},
		{Key: itemKey(item.DepositID), Value: encodeItem(item)},
	})
}

// persistItem writes a queue item. Caller holds the queue lock.
func (q *Queue) persistItem(item *QueueItem) error {
	if q.db == nil {
		return nil
	}

	return q.db.Set(itemKey(item.DepositID), encodeItem(item))
}

// load restores the consumed set and pending items.
func (q *Queue) load() error {
	if q.db == nil {
		return nil
	}

	err := q.db.IteratePrefix(consumedKeyPrefix, func(key, value []byte) error {
		if len(key) != len(consumedKeyPrefix)+32 {
			return nil
		}

		var id [32]byte
		copy(id[:], key[len(consumedKeyPrefix):])

		q.consumed[id] = true

		return nil
	})
	if err != nil {
		return err
	}

	return q.db.IteratePrefix(itemKeyPrefix, func(key, value []byte) error {
		if len(key) != len(itemKeyPrefix)+32 {
			return nil
		}

		item, err := decodeItem(value)
		if err != nil {
			return err
		}

		q.items[item.DepositID] = item

		if item.Status == StatusPending {
			// Item and consumed marker are written in one batch; a
			// pending item without its marker means a corrupt store.
			ok, err := q.db.Has(consumedKey(item.DepositID))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("queue item %x has no consumed marker", item.DepositID[:8])
			}

			q.pending = append(q.pending, item.DepositID)
		}

		return nil
	})
}

// consumedKey builds the storage key for a consumed deposit.
func consumedKey(depositID [32]byte) []byte {
	key := make([]byte, 0, len(consumedKeyPrefix)+32)
	key = append(key, consumedKeyPrefix...)
	key = append(key, depositID[:]...)

	return key
}

// itemKey builds the storage key for a queue item.
func itemKey(depositID [32]byte) []byte {
	key := make([]byte, 0, len(itemKeyPrefix)+32)
	key = append(key, itemKeyPrefix...)
	key = append(key, depositID[:]...)

	return key
}
