package model

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestParsePoolID(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		want  PoolID
		valid bool
	}{
		{"address", "0x1F98431c8aD98523631AE4a59f267346ea31F984", "0x1f98431c8ad98523631ae4a59f267346ea31f984", true},
		{"pool id", "0x21C67E77068DE97969BA93D4AAB21826D33CA12BB9F565D8496E8FDA8A82CA27", "0x21c67e77068de97969ba93d4aab21826d33ca12bb9f565d8496e8fda8a82ca27", true},
		{"short", "0x1234", "", false},
		{"no prefix", "1f98431c8ad98523631ae4a59f267346ea31f984", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		got, err := ParsePoolID(tc.in)
		if tc.valid && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("%s: expected error for %q", tc.name, tc.in)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestPoolIDAddressAndWord(t *testing.T) {
	addrID := PoolID("0x1f98431c8ad98523631ae4a59f267346ea31f984")
	addr, err := addrID.Address()
	if err != nil {
		t.Fatalf("address form should convert: %v", err)
	}
	if PoolIDFromAddress(addr) != addrID {
		t.Fatalf("address round trip: got %s", PoolIDFromAddress(addr))
	}
	if _, err := addrID.Word(); err == nil {
		t.Fatalf("20-byte id must not convert to a 32-byte word")
	}

	wordID := PoolID("0x21c67e77068de97969ba93d4aab21826d33ca12bb9f565d8496e8fda8a82ca27")
	word, err := wordID.Word()
	if err != nil {
		t.Fatalf("word form should convert: %v", err)
	}
	if PoolIDFromHash(word) != wordID {
		t.Fatalf("word round trip: got %s", PoolIDFromHash(word))
	}
	if _, err := wordID.Address(); err == nil {
		t.Fatalf("32-byte id must not convert to an address")
	}
}

func TestProtocolRoundTrip(t *testing.T) {
	for _, p := range []Protocol{ProtocolConstantProduct, ProtocolConcentratedV3, ProtocolConcentratedV4} {
		parsed, err := ParseProtocol(p.String())
		if err != nil {
			t.Fatalf("parse %q: %v", p.String(), err)
		}
		if parsed != p {
			t.Fatalf("round trip %v -> %q -> %v", p, p.String(), parsed)
		}
	}
	if ProtocolConstantProduct.Concentrated() {
		t.Fatalf("constant product is not concentrated")
	}
	if !ProtocolConcentratedV4.Concentrated() {
		t.Fatalf("v4 is concentrated")
	}
}

func TestPoolValidate(t *testing.T) {
	good := Pool{
		ID:          "0x1f98431c8ad98523631ae4a59f267346ea31f984",
		Protocol:    ProtocolConcentratedV3,
		TickSpacing: 60,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid pool rejected: %v", err)
	}

	bad := good
	bad.TickSpacing = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("concentrated pool without tick spacing should be rejected")
	}

	v2 := Pool{ID: "0x1f98431c8ad98523631ae4a59f267346ea31f984", Protocol: ProtocolConstantProduct}
	if err := v2.Validate(); err != nil {
		t.Fatalf("constant-product pool needs no tick spacing: %v", err)
	}
}

func TestSnapshotClone(t *testing.T) {
	snap := &Snapshot{
		PoolID:         "0x1f98431c8ad98523631ae4a59f267346ea31f984",
		Protocol:       ProtocolConcentratedV3,
		ReferenceBlock: 100,
		TickBitmap: map[int16]*TickBitmapWord{
			-1: {Bitmap: uint256.NewInt(1), Block: 100},
		},
		Ticks: map[int32]*TickRecord{
			-100: {LiquidityNet: big.NewInt(500), LiquidityGross: big.NewInt(500), Block: 100},
		},
		SqrtPriceX96: big.NewInt(1 << 30),
		Liquidity:    big.NewInt(777),
	}

	clone := snap.Clone()
	clone.Ticks[-100].LiquidityNet.SetInt64(9)
	clone.TickBitmap[-1].Bitmap.SetUint64(255)
	clone.Liquidity.SetInt64(0)

	if snap.Ticks[-100].LiquidityNet.Int64() != 500 {
		t.Fatalf("clone mutation leaked into original tick record")
	}
	if snap.TickBitmap[-1].Bitmap.Uint64() != 1 {
		t.Fatalf("clone mutation leaked into original bitmap word")
	}
	if snap.Liquidity.Int64() != 777 {
		t.Fatalf("clone mutation leaked into original liquidity")
	}
}

func TestTickMapsJSONRoundTrip(t *testing.T) {
	snap := &Snapshot{
		PoolID:   "0x1f98431c8ad98523631ae4a59f267346ea31f984",
		Protocol: ProtocolConcentratedV3,
		TickBitmap: map[int16]*TickBitmapWord{
			-1: {Bitmap: uint256.NewInt(1).Lsh(uint256.NewInt(1), 200), Block: 42},
			0:  {Bitmap: uint256.NewInt(3), Block: 42},
		},
		Ticks: map[int32]*TickRecord{
			-100: {LiquidityNet: big.NewInt(500), LiquidityGross: big.NewInt(500), Block: 42},
			100:  {LiquidityNet: big.NewInt(-500), LiquidityGross: big.NewInt(500), Block: 42},
		},
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.TickBitmap) != 2 || len(got.Ticks) != 2 {
		t.Fatalf("map sizes after round trip: words=%d ticks=%d", len(got.TickBitmap), len(got.Ticks))
	}
	if got.TickBitmap[-1].Bitmap.Cmp(snap.TickBitmap[-1].Bitmap) != 0 {
		t.Fatalf("negative-index word lost in round trip")
	}
	if got.Ticks[100].LiquidityNet.Cmp(big.NewInt(-500)) != 0 {
		t.Fatalf("tick 100 net = %s, want -500", got.Ticks[100].LiquidityNet)
	}
}
