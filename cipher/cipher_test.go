package cipher_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/strata/blocks"
	"github.com/outofforest/strata/cipher"
	"github.com/outofforest/strata/pkg/memdev"
)

const devSize = 16 * blocks.PageSize

func randomData(seed, n int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestByID(t *testing.T) {
	requireT := require.New(t)

	c, err := cipher.ByID(cipher.IdentityID, nil, nil)
	requireT.NoError(err)
	requireT.IsType(cipher.Identity{}, c)

	c, err = cipher.ByID(cipher.XTSID, []byte("password"), []byte("0123456789abcdef"))
	requireT.NoError(err)
	requireT.IsType(&cipher.XTS{}, c)

	_, err = cipher.ByID(42, nil, nil)
	requireT.Error(err)
}

func TestIdentityPassesThrough(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize)
	d := cipher.New(dev, cipher.Identity{})
	requireT.EqualValues(devSize, d.Size())

	data := randomData(1, 100)
	requireT.NoError(d.WriteAt(data, 33))

	raw := make([]byte, len(data))
	requireT.NoError(dev.ReadAt(raw, 33))
	requireT.Equal(data, raw)
}

func TestXTSRoundTrip(t *testing.T) {
	requireT := require.New(t)

	c, err := cipher.NewXTS([]byte("password"), []byte("0123456789abcdef"))
	requireT.NoError(err)

	dev := memdev.New(devSize)
	d := cipher.New(dev, c)

	data := randomData(2, 3*blocks.PageSize)
	requireT.NoError(d.WriteAt(data, 0))

	// Ciphertext on the device differs from the plaintext.
	raw := make([]byte, len(data))
	requireT.NoError(dev.ReadAt(raw, 0))
	requireT.NotEqual(data, raw)

	buf := make([]byte, len(data))
	requireT.NoError(d.ReadAt(buf, 0))
	requireT.Equal(data, buf)
}

func TestXTSEqualPagesDiffer(t *testing.T) {
	requireT := require.New(t)

	c, err := cipher.NewXTS([]byte("password"), []byte("0123456789abcdef"))
	requireT.NoError(err)

	dev := memdev.New(devSize)
	d := cipher.New(dev, c)

	page := randomData(3, blocks.PageSize)
	requireT.NoError(d.WriteAt(page, 0))
	requireT.NoError(d.WriteAt(page, blocks.PageSize))

	raw0 := make([]byte, blocks.PageSize)
	raw1 := make([]byte, blocks.PageSize)
	requireT.NoError(dev.ReadAt(raw0, 0))
	requireT.NoError(dev.ReadAt(raw1, blocks.PageSize))
	requireT.NotEqual(raw0, raw1)
}

func TestXTSSubPageWriteMerges(t *testing.T) {
	requireT := require.New(t)

	c, err := cipher.NewXTS([]byte("password"), []byte("0123456789abcdef"))
	requireT.NoError(err)

	dev := memdev.New(devSize)
	d := cipher.New(dev, c)

	page := randomData(4, blocks.PageSize)
	requireT.NoError(d.WriteAt(page, 0))
	requireT.NoError(d.WriteAt([]byte("patch"), 100))
	copy(page[100:], "patch")

	buf := make([]byte, blocks.PageSize)
	requireT.NoError(d.ReadAt(buf, 0))
	requireT.Equal(page, buf)
}

func TestXTSWrongPasswordGarbles(t *testing.T) {
	requireT := require.New(t)

	salt := []byte("0123456789abcdef")
	c1, err := cipher.NewXTS([]byte("password"), salt)
	requireT.NoError(err)
	c2, err := cipher.NewXTS([]byte("passwore"), salt)
	requireT.NoError(err)

	dev := memdev.New(devSize)
	data := randomData(5, blocks.PageSize)
	requireT.NoError(cipher.New(dev, c1).WriteAt(data, 0))

	buf := make([]byte, blocks.PageSize)
	requireT.NoError(cipher.New(dev, c2).ReadAt(buf, 0))
	requireT.NotEqual(data, buf)
}

func TestSizeIsFlooredToPages(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize + 100)
	d := cipher.New(dev, cipher.Identity{})
	requireT.EqualValues(devSize, d.Size())

	requireT.Error(d.WriteAt(make([]byte, 200), devSize-100))
}
