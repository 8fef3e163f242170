package embedded

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Ключи хранилища:
//
//	q\x00<queue>                — объявление durable очереди
//	m\x00<queue>\x00<seq:8 BE>  — persistent сообщение durable очереди
var (
	queuePrefix   = []byte("q\x00")
	messagePrefix = []byte("m\x00")
)

// storedMessage — запись сообщения в Pebble.
type storedMessage struct {
	ID          string `json:"id,omitempty"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type,omitempty"`
	Redelivered bool   `json:"redelivered,omitempty"`
}

// store — durable часть состояния брокера.
// Хранит только durable очереди и их persistent сообщения.
type store struct {
	db *pebble.DB
}

func openStore(dir string, fs vfs.FS) (*store, error) {
	db, err := pebble.Open(dir, &pebble.Options{FS: fs})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func queueKey(name string) []byte {
	return append(bytes.Clone(queuePrefix), name...)
}

func messageKey(queue string, seq uint64) []byte {
	key := make([]byte, 0, len(messagePrefix)+len(queue)+1+8)
	key = append(key, messagePrefix...)
	key = append(key, queue...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq)
}

func (s *store) putQueue(name string) error {
	if err := s.db.Set(queueKey(name), []byte{1}, pebble.Sync); err != nil {
		return fmt.Errorf("store queue %s: %w", name, err)
	}
	return nil
}

func (s *store) putMessage(queue string, m *message) error {
	data, err := json.Marshal(storedMessage{
		ID:          m.id,
		Body:        m.body,
		ContentType: m.contentType,
		Redelivered: m.redelivered,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := s.db.Set(messageKey(queue, m.seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("store message %s/%d: %w", queue, m.seq, err)
	}
	return nil
}

func (s *store) deleteMessage(queue string, seq uint64) error {
	if err := s.db.Delete(messageKey(queue, seq), pebble.Sync); err != nil {
		return fmt.Errorf("delete message %s/%d: %w", queue, seq, err)
	}
	return nil
}

// load читает durable очереди и их сообщения в порядке seq.
func (s *store) load() (map[string]*queue, uint64, error) {
	queues := make(map[string]*queue)

	err := s.scan(queuePrefix, func(key, _ []byte) error {
		name := string(key[len(queuePrefix):])
		queues[name] = newQueue(name, true)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load queues: %w", err)
	}

	var maxSeq uint64
	err = s.scan(messagePrefix, func(key, value []byte) error {
		rest := key[len(messagePrefix):]
		if len(rest) < 9 || rest[len(rest)-9] != 0 {
			return fmt.Errorf("malformed message key %q", key)
		}
		name := string(rest[:len(rest)-9])
		seq := binary.BigEndian.Uint64(rest[len(rest)-8:])

		q, ok := queues[name]
		if !ok {
			// Сообщение без очереди — мусор, пропускаем
			return nil
		}

		var sm storedMessage
		if err := json.Unmarshal(value, &sm); err != nil {
			return fmt.Errorf("unmarshal message %s/%d: %w", name, seq, err)
		}

		q.ready = append(q.ready, &message{
			seq:         seq,
			id:          sm.ID,
			body:        sm.Body,
			contentType: sm.ContentType,
			persistent:  true,
			redelivered: sm.Redelivered,
		})
		maxSeq = max(maxSeq, seq)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load messages: %w", err)
	}

	return queues, maxSeq, nil
}

// scan обходит все ключи с префиксом. key/value копируются.
func (s *store) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixEnd возвращает минимальный ключ, больший всех ключей с префиксом.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
