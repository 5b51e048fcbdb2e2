package utils_test

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"ofa_lib/nn/elastic"
	"ofa_lib/tensor"
	"ofa_lib/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The fixtures under testdata are written by testdata/make_torch_fixtures.py.

func TestLoadTorchCheckpoint(t *testing.T) {
	sd, err := utils.LoadStateDict(filepath.Join("testdata", "checkpoint.pth"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"first_conv.conv.weight",
		"first_conv.bn.num_batches_tracked",
		"classifier.linear.bias",
	}, sd.Keys(), "only the state_dict entry is read")

	w := sd["first_conv.conv.weight"]
	assert.Equal(t, []int{2, 1, 1, 3}, w.Shape)
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1, 1.25}, w.Data)

	nbt := sd["first_conv.bn.num_batches_tracked"]
	assert.Empty(t, nbt.Shape)
	assert.Equal(t, []float64{7}, nbt.Data)

	// shares the weight's storage from offset 6
	assert.Equal(t, []float64{1.5, 1.75}, sd["classifier.linear.bias"].Data)
}

func TestLoadTorchCheckpointWithoutStateDictEntry(t *testing.T) {
	for _, name := range []string{"bare_ordered_dict.pth", "plain_dict.pth"} {
		t.Run(name, func(t *testing.T) {
			sd, err := utils.LoadStateDict(filepath.Join("testdata", name))
			require.NoError(t, err)
			assert.Equal(t, []string{"weight"}, sd.Keys())
			assert.Equal(t, []float64{1, 2, 3}, sd["weight"].Data)
		})
	}
}

func TestLoadTorchCheckpointRejectsNonContiguous(t *testing.T) {
	_, err := utils.LoadStateDict(filepath.Join("testdata", "transposed.pth"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not contiguous")
}

func TestTorchCheckpointLoadsStrictly(t *testing.T) {
	cfg := elastic.DefaultConfig()
	cfg.NClasses = 5
	cfg.BaseStageWidth = []int{8, 8, 8, 16, 16, 16, 24, 32, 40}
	src, err := elastic.New(cfg)
	require.NoError(t, err)
	src.ResetParameters(rand.New(rand.NewSource(4)))
	want := src.StateDict()
	want["first_conv.bn.num_batches_tracked"].Data[0] = 7

	path := filepath.Join(t.TempDir(), "ofa.pth")
	writeTorchCheckpoint(t, path, want)
	sd, err := utils.LoadStateDict(path)
	require.NoError(t, err)
	require.Len(t, sd, len(want))

	dst, err := elastic.New(cfg)
	require.NoError(t, err)
	require.NoError(t, dst.LoadStateDict(sd))
	for name, got := range dst.StateDict() {
		assert.Equal(t, want[name].Shape, got.Shape, name)
		assert.InDeltaSlice(t, want[name].Data, got.Data, 1e-5, name)
	}
	assert.Equal(t, []float64{7}, dst.StateDict()["first_conv.bn.num_batches_tracked"].Data)

	delete(sd, "classifier.linear.bias")
	assert.ErrorIs(t, dst.LoadStateDict(sd), elastic.ErrKeyMismatch)
}

// writeTorchCheckpoint saves {"state_dict": OrderedDict(sd)} in the torch.save
// zip layout, one storage record per tensor. num_batches_tracked entries are
// stored as int64.
func writeTorchCheckpoint(t *testing.T, path string, sd map[string]*tensor.Tensor) {
	t.Helper()
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	var p pickler
	records := make(map[string][]byte, len(names))
	p.op(0x80, 2, '}', '(')
	p.str("state_dict")
	p.global("collections", "OrderedDict")
	p.op(')', 'R', '(')
	for i, name := range names {
		src := sd[name]
		key := strconv.Itoa(i)
		var data bytes.Buffer
		storage := "FloatStorage"
		if strings.HasSuffix(name, "num_batches_tracked") {
			storage = "LongStorage"
			for _, v := range src.Data {
				require.NoError(t, binary.Write(&data, binary.LittleEndian, int64(v)))
			}
		} else {
			for _, v := range src.Data {
				require.NoError(t, binary.Write(&data, binary.LittleEndian, math.Float32bits(float32(v))))
			}
		}
		records[key] = data.Bytes()
		p.str(name)
		p.tensor(storage, key, src.Shape)
	}
	p.op('u', 'u', '.')

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	put := func(name string, b []byte) {
		w, err := zw.Create("archive/" + name)
		require.NoError(t, err)
		_, err = w.Write(b)
		require.NoError(t, err)
	}
	put("data.pkl", p.Bytes())
	for _, key := range sortedKeys(records) {
		put("data/"+key, records[key])
	}
	put("version", []byte("3\n"))
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// pickler emits the protocol 2 opcodes torch.save uses for state dicts.
type pickler struct{ bytes.Buffer }

func (p *pickler) op(codes ...byte) { p.Write(codes) }

func (p *pickler) str(s string) {
	p.op('X')
	_ = binary.Write(p, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

func (p *pickler) int(v int) {
	p.op('J')
	_ = binary.Write(p, binary.LittleEndian, int32(v))
}

func (p *pickler) global(module, name string) {
	p.op('c')
	p.WriteString(module + "\n" + name + "\n")
}

func (p *pickler) ints(vs []int) {
	p.op('(')
	for _, v := range vs {
		p.int(v)
	}
	p.op('t')
}

func (p *pickler) tensor(storage, key string, shape []int) {
	stride := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = n
		n *= shape[i]
	}
	p.global("torch._utils", "_rebuild_tensor_v2")
	p.op('(', '(')
	p.str("storage")
	p.global("torch", storage)
	p.str(key)
	p.str("cpu")
	p.int(n)
	p.op('t', 'Q')
	p.int(0)
	p.ints(shape)
	p.ints(stride)
	p.op(0x89)
	p.global("collections", "OrderedDict")
	p.op(')', 'R', 't', 'R')
}
