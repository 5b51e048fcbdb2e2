// Package results persists evaluation records.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/mgo.v2"
)

// Record describes one evaluation run.
type Record struct {
	Time      time.Time `json:"time" bson:"time"`
	Weight    string    `json:"weight" bson:"weight"`
	Selection string    `json:"selection" bson:"selection"`
	ModuleStr string    `json:"module_str" bson:"module_str"`
	ImgSize   int       `json:"img_size" bson:"img_size"`
	Devices   []int     `json:"devices" bson:"devices"`
	BatchSize int       `json:"batch_size" bson:"batch_size"`
	Loss      float64   `json:"loss" bson:"loss"`
	Top1      float64   `json:"top1" bson:"top1"`
	Top5      float64   `json:"top5" bson:"top5"`
	Samples   int       `json:"samples" bson:"samples"`
	Export    string    `json:"export,omitempty" bson:"export,omitempty"`
}

// Sink stores a record.
type Sink interface {
	Write(rec Record) error
}

// JSONFile writes the record as indented JSON, replacing the file.
type JSONFile struct {
	Path string
}

func (f JSONFile) Write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := os.WriteFile(f.Path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing record %s: %w", f.Path, err)
	}
	return nil
}

// ReadJSONFile reads a record written by JSONFile.
func ReadJSONFile(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decoding record %s: %w", path, err)
	}
	return rec, nil
}

// DefaultMongoTimeout bounds dialing the MongoDB server.
const DefaultMongoTimeout = 10 * time.Second

// Mongo inserts records into a MongoDB collection.
type Mongo struct {
	URI        string
	DB         string
	Collection string
	Timeout    time.Duration

	session *mgo.Session
}

// Connect dials once and hands out clones of the session.
func (m *Mongo) Connect() (*mgo.Session, error) {
	if m.session == nil {
		timeout := m.Timeout
		if timeout <= 0 {
			timeout = DefaultMongoTimeout
		}
		s, err := mgo.DialWithTimeout(m.URI, timeout)
		if err != nil {
			return nil, fmt.Errorf("connecting to mongodb: %w", err)
		}
		s.SetMode(mgo.Strong, true)
		m.session = s
	}
	return m.session.Clone(), nil
}

func (m *Mongo) Write(rec Record) error {
	s, err := m.Connect()
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.DB(m.DB).C(m.Collection).Insert(&rec); err != nil {
		return fmt.Errorf("inserting record into %s.%s: %w", m.DB, m.Collection, err)
	}
	return nil
}

// Close releases the underlying session.
func (m *Mongo) Close() {
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
}

// WriteAll stores rec in every sink, stopping at the first failure.
func WriteAll(rec Record, sinks ...Sink) error {
	for _, s := range sinks {
		if err := s.Write(rec); err != nil {
			return err
		}
	}
	return nil
}
