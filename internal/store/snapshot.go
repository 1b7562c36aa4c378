package store

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"guildsync/internal/cache"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	snapEnc cbor.EncMode
	snapDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	snapEnc, err = opts.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	snapDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeSnapshot serializes a cache dump as deterministic CBOR.
func EncodeSnapshot(d cache.Dump) ([]byte, error) {
	data, err := snapEnc.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func DecodeSnapshot(data []byte) (cache.Dump, error) {
	var d cache.Dump
	if err := snapDec.Unmarshal(data, &d); err != nil {
		return cache.Dump{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return d, nil
}

// Checksum is the hex BLAKE3 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
