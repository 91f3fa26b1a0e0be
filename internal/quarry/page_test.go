package quarry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPage_StampAndVerify(t *testing.T) {
	buf := make([]byte, PageSize)
	buf[100] = 42

	stampPage(buf, pageTypeData, 7)

	require.NoError(t, verifyPage(buf, 7))
	assert.Equal(t, pageTypeData, typeOfPage(buf))
}

func TestPage_VerifyDetectsCorruption(t *testing.T) {
	buf := make([]byte, PageSize)
	stampPage(buf, pageTypeData, 7)

	buf[2000] ^= 0xff

	err := verifyPage(buf, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptPage)
}

func TestPage_VerifyDetectsMisplacedPage(t *testing.T) {
	buf := make([]byte, PageSize)
	stampPage(buf, pageTypeData, 7)

	// A valid page read back under the wrong page number must fail.
	err := verifyPage(buf, 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptPage)
}

func TestPage_FreeListPointerRoundTrip(t *testing.T) {
	buf := make([]byte, PageSize)
	buf[pageOffType] = byte(pageTypeFree)

	setFreePageNext(buf, 123)
	assert.Equal(t, PageNo(123), freePageNext(buf))
}
