package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// StoredDocument is the publisher's copy of data.json. Metric values are kept
// as raw JSON so numbers stay numbers on the wire.
type StoredDocument struct {
	Expires int64
	Metrics []StoredMetric
	Ticker  StoredTicker
}

type StoredMetric struct {
	Label string
	Value []byte // raw JSON
}

// StoredTicker encodes as {} when both fields are unset, which the poller
// renders as "no ticker".
type StoredTicker struct {
	Message *string
	Speed   *int
}

func (d StoredDocument) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"expires":`)
	buf.WriteString(strconv.FormatInt(d.Expires, 10))

	buf.WriteString(`,"metrics":{`)
	for i, m := range d.Metrics {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := jsonAPI.Marshal(m.Label)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		if len(m.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(m.Value)
	}
	buf.WriteString(`},"ticker":{`)
	if d.Ticker.Message != nil {
		msg, err := jsonAPI.Marshal(*d.Ticker.Message)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`"message":`)
		buf.Write(msg)
	}
	if d.Ticker.Speed != nil {
		if d.Ticker.Message != nil {
			buf.WriteByte(',')
		}
		buf.WriteString(`"speed":`)
		buf.WriteString(strconv.Itoa(*d.Ticker.Speed))
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// ParseStoredDocument reads a document written by MarshalJSON (or by hand).
// Unknown keys are ignored.
func ParseStoredDocument(b []byte) (StoredDocument, error) {
	var d StoredDocument
	iter := jsoniter.ParseBytes(jsonAPI, b)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return d, errors.New("stored document is not an object")
	}

	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		switch key {
		case "expires":
			d.Expires = (&payloadDecoder{}).readExpires(it)
		case "metrics":
			if it.WhatIsNext() != jsoniter.ObjectValue {
				it.Skip()
				break
			}
			it.ReadObjectCB(func(it *jsoniter.Iterator, label string) bool {
				it.WhatIsNext()
				raw := it.SkipAndReturnBytes()
				d.Metrics = append(d.Metrics, StoredMetric{Label: label, Value: append([]byte(nil), raw...)})
				return it.Error == nil
			})
		case "ticker":
			if it.WhatIsNext() != jsoniter.ObjectValue {
				it.Skip()
				break
			}
			it.ReadObjectCB(func(it *jsoniter.Iterator, k string) bool {
				switch {
				case k == "message" && it.WhatIsNext() == jsoniter.StringValue:
					msg := it.ReadString()
					d.Ticker.Message = &msg
				case k == "speed" && it.WhatIsNext() == jsoniter.NumberValue:
					sp := it.ReadInt()
					d.Ticker.Speed = &sp
				default:
					it.Skip()
				}
				return it.Error == nil
			})
		default:
			it.Skip()
		}
		return it.Error == nil
	})
	if iter.Error != nil {
		return StoredDocument{}, iter.Error
	}
	return d, nil
}

// DataStore keeps data.json on local disk. Writes go to a temp file that is
// renamed into place, so readers never see a half-written document.
type DataStore struct {
	path string
	log  *Logger

	mu  sync.RWMutex
	doc StoredDocument
	raw []byte
}

func NewDataStore(dataDir string, log *Logger) *DataStore {
	return &DataStore{
		path: filepath.Join(dataDir, DataFileName),
		log:  log,
	}
}

func (s *DataStore) Path() string { return s.path }

// Load reads the document from disk. A missing file starts an empty document.
func (s *DataStore) Load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Infof("no %s yet, starting empty", s.path)
		return s.set(StoredDocument{})
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	doc, err := ParseStoredDocument(b)
	if err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	return s.set(doc)
}

func (s *DataStore) set(doc StoredDocument) error {
	raw, err := doc.MarshalJSON()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc, s.raw = doc, raw
	s.mu.Unlock()
	return nil
}

func (s *DataStore) Get() StoredDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Bytes returns the encoded document as served at data.json.
func (s *DataStore) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw
}

func (s *DataStore) Save(doc StoredDocument) error {
	raw, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".data-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	s.mu.Lock()
	s.doc, s.raw = doc, raw
	s.mu.Unlock()
	return nil
}
