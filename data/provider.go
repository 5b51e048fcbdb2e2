package data

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultImgSize is the resolution used until AssignActiveImgSize is called.
const DefaultImgSize = 224

// PracticalDLProvider serves the <root>/train and <root>/val splits. When val is
// absent a "test" split is used; when train is absent calibration falls back to
// the validation split.
type PracticalDLProvider struct {
	root          string
	testBatchSize int
	nWorker       int
	log           *logrus.Entry

	mu      sync.Mutex
	imgSize int
	valid   *ImageFolder
	train   *ImageFolder
}

// NewPracticalDLProvider scans root eagerly so that an unreadable dataset fails early.
func NewPracticalDLProvider(root string, testBatchSize, nWorker int, logger *logrus.Logger) (*PracticalDLProvider, error) {
	if testBatchSize <= 0 {
		return nil, fmt.Errorf("test batch size must be positive, got %d", testBatchSize)
	}
	if nWorker < 0 {
		return nil, fmt.Errorf("worker count must not be negative, got %d", nWorker)
	}
	p := &PracticalDLProvider{
		root:          root,
		testBatchSize: testBatchSize,
		nWorker:       nWorker,
		imgSize:       DefaultImgSize,
		log:           logger.WithField("component", "data"),
	}
	if err := p.scan(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PracticalDLProvider) scan() error {
	var err error
	for _, name := range []string{"val", "test"} {
		p.valid, err = NewImageFolder(filepath.Join(p.root, name))
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if p.valid == nil {
		return fmt.Errorf("no validation split under %s: %w", p.root, err)
	}
	train, err := NewImageFolder(filepath.Join(p.root, "train"))
	switch {
	case err == nil:
		p.train = train
	case errors.Is(err, os.ErrNotExist):
		p.log.Warnf("no train split under %s, calibrating on %s", p.root, p.valid.Root)
	default:
		return err
	}
	p.log.WithFields(logrus.Fields{
		"valid":   p.valid.Len(),
		"classes": len(p.valid.Classes),
	}).Info("dataset scanned")
	return nil
}

// AssignActiveImgSize sets the resolution of every loader built afterwards.
func (p *PracticalDLProvider) AssignActiveImgSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("image size must be positive, got %d", size)
	}
	p.mu.Lock()
	p.imgSize = size
	p.mu.Unlock()
	p.log.WithField("img_size", size).Debug("active image size assigned")
	return nil
}

func (p *PracticalDLProvider) ActiveImgSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imgSize
}

// NClasses is the number of validation classes.
func (p *PracticalDLProvider) NClasses() int { return len(p.valid.Classes) }

// Valid returns the whole validation split in file order.
func (p *PracticalDLProvider) Valid() (Source, error) {
	l, err := NewLoader(p.valid, nil, p.testBatchSize, p.nWorker, EvalTransform{Size: p.ActiveImgSize()})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// SubTrain returns a seeded random subset of n training images (fewer if the
// split is smaller) batched by batchSize, decoded with the evaluation transform.
func (p *PracticalDLProvider) SubTrain(n, batchSize int, seed int64) (Source, error) {
	set := p.train
	if set == nil {
		set = p.valid
	}
	perm := rand.New(rand.NewSource(seed)).Perm(set.Len())
	if n < len(perm) {
		perm = perm[:n]
	}
	l, err := NewLoader(set, perm, batchSize, p.nWorker, EvalTransform{Size: p.ActiveImgSize()})
	if err != nil {
		return nil, err
	}
	return l, nil
}
