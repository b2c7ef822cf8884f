package block

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
	"github.com/stakenet-io/stakenet-chain/pkg/tx"
	"github.com/stakenet-io/stakenet-chain/pkg/types"
)

func makeTx(t *testing.T, nonce uint64) *tx.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var to types.Address
	to[0] = 0x02
	built, err := tx.Build(tx.Transaction{
		From:   key.Address(),
		To:     to,
		Amount: types.Amount(100),
		Fee:    types.Amount(10),
		Nonce:  nonce,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return built
}

func makeBlock(t *testing.T, height uint64, parent types.Hash, txs []*tx.Transaction) *Block {
	t.Helper()
	var validator types.Address
	validator[0] = 0x0a
	header := &Header{
		Version:    CurrentVersion,
		Height:     height,
		ParentHash: parent,
		Timestamp:  time.Now().Unix(),
		MerkleRoot: ComputeMerkleRoot(hashesOf(txs)),
		Validator:  validator,
		TxCount:    uint32(len(txs)),
	}
	return New(header, txs)
}

func hashesOf(txs []*tx.Transaction) []types.Hash {
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	return hashes
}

func TestComputeMerkleRoot_Empty(t *testing.T) {
	if root := ComputeMerkleRoot(nil); !root.IsZero() {
		t.Errorf("empty merkle root = %s, want zero sentinel", root)
	}
}

func TestComputeMerkleRoot_Single(t *testing.T) {
	h := crypto.Digest([]byte("one"))
	if root := ComputeMerkleRoot([]types.Hash{h}); root != h {
		t.Errorf("single merkle root = %s, want %s", root, h)
	}
}

func TestComputeMerkleRoot_OddDuplicatesLast(t *testing.T) {
	a := crypto.Digest([]byte("a"))
	b := crypto.Digest([]byte("b"))
	c := crypto.Digest([]byte("c"))

	// With three leaves the last is duplicated: root = H(H(a,b), H(c,c)).
	want := crypto.HashConcat(crypto.HashConcat(a, b), crypto.HashConcat(c, c))
	if got := ComputeMerkleRoot([]types.Hash{a, b, c}); got != want {
		t.Errorf("odd merkle root = %s, want %s", got, want)
	}
}

func TestComputeMerkleRoot_OrderSensitive(t *testing.T) {
	a := crypto.Digest([]byte("a"))
	b := crypto.Digest([]byte("b"))
	if ComputeMerkleRoot([]types.Hash{a, b}) == ComputeMerkleRoot([]types.Hash{b, a}) {
		t.Error("merkle root should depend on transaction order")
	}
}

func TestComputeMerkleRoot_DoesNotMutateInput(t *testing.T) {
	leaves := []types.Hash{
		crypto.Digest([]byte("a")),
		crypto.Digest([]byte("b")),
		crypto.Digest([]byte("c")),
	}
	before := append([]types.Hash(nil), leaves...)
	ComputeMerkleRoot(leaves)
	for i := range leaves {
		if leaves[i] != before[i] {
			t.Fatal("input slice was mutated")
		}
	}
}

func TestHeaderHash_ExcludesSignature(t *testing.T) {
	blk := makeBlock(t, 1, crypto.Digest([]byte("parent")), nil)
	before := blk.Hash()
	blk.Header.Signature = "ecdsa:deadbeef"
	if blk.Hash() != before {
		t.Error("header hash changed when signature was set")
	}
}

func TestHeaderHash_SensitiveToFields(t *testing.T) {
	base := makeBlock(t, 1, crypto.Digest([]byte("parent")), nil)
	h := base.Hash()

	mutations := []func(*Header){
		func(hd *Header) { hd.Height++ },
		func(hd *Header) { hd.Timestamp++ },
		func(hd *Header) { hd.ParentHash[0] ^= 1 },
		func(hd *Header) { hd.MerkleRoot[0] ^= 1 },
		func(hd *Header) { hd.Validator[0] ^= 1 },
		func(hd *Header) { hd.TxCount++ },
	}
	for i, mutate := range mutations {
		cp := *base.Header
		mutate(&cp)
		if cp.Hash() == h {
			t.Errorf("mutation %d did not change the hash", i)
		}
	}
}

func TestValidate(t *testing.T) {
	txs := []*tx.Transaction{makeTx(t, 0), makeTx(t, 1)}
	blk := makeBlock(t, 5, crypto.Digest([]byte("parent")), txs)
	if err := blk.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_MerkleMismatch(t *testing.T) {
	blk := makeBlock(t, 5, crypto.Digest([]byte("parent")), []*tx.Transaction{makeTx(t, 0)})
	blk.Header.MerkleRoot[0] ^= 1
	if err := blk.Validate(); !errors.Is(err, ErrMerkleMismatch) {
		t.Errorf("error = %v, want ErrMerkleMismatch", err)
	}
}

func TestValidate_TxCountMismatch(t *testing.T) {
	blk := makeBlock(t, 5, crypto.Digest([]byte("parent")), nil)
	blk.Header.TxCount = 3
	if err := blk.Validate(); !errors.Is(err, ErrTxCountMismatch) {
		t.Errorf("error = %v, want ErrTxCountMismatch", err)
	}
}

func TestValidate_GenesisParent(t *testing.T) {
	blk := makeBlock(t, 0, types.Hash{}, nil)
	if err := blk.Validate(); err != nil {
		t.Fatalf("genesis with zero parent should validate: %v", err)
	}
	blk.Header.ParentHash = crypto.Digest([]byte("not zero"))
	if err := blk.Validate(); !errors.Is(err, ErrGenesisParent) {
		t.Errorf("error = %v, want ErrGenesisParent", err)
	}
}

func TestValidate_FutureTimestamp(t *testing.T) {
	blk := makeBlock(t, 1, crypto.Digest([]byte("parent")), nil)
	blk.Header.Timestamp = time.Now().Add(time.Hour).Unix()
	if err := blk.Validate(); !errors.Is(err, ErrBadTimestamp) {
		t.Errorf("error = %v, want ErrBadTimestamp", err)
	}
}

func TestBlockJSONRoundTrip(t *testing.T) {
	txs := []*tx.Transaction{makeTx(t, 0)}
	blk := makeBlock(t, 9, crypto.Digest([]byte("p")), txs)
	blk.Header.Signature = "ecdsa:00ff"
	blk.Metadata = map[string]string{"producer": "test"}

	data, err := json.Marshal(blk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Block
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Hash() != blk.Hash() {
		t.Error("hash changed across JSON round trip")
	}
	if back.Header.Signature != blk.Header.Signature {
		t.Error("signature lost in round trip")
	}
	if len(back.Transactions) != 1 {
		t.Fatalf("transactions lost in round trip")
	}
	if back.Transactions[0].Hash() != txs[0].Hash() {
		t.Error("transaction hash changed in round trip")
	}
}
