package registry

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestRecordExists(t *testing.T) {
	cases := []struct {
		name         string
		registeredAt *big.Int
		want         bool
	}{
		{name: "nil timestamp", registeredAt: nil, want: false},
		{name: "zero timestamp", registeredAt: big.NewInt(0), want: false},
		{name: "registered", registeredAt: big.NewInt(1_700_000_000), want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record := Record{DID: "did:key:z6Mk", RegisteredAt: tc.registeredAt}
			require.Equal(t, tc.want, record.Exists())
		})
	}
}

func TestUnpackRecordRoundTrip(t *testing.T) {
	contract, err := New()
	require.NoError(t, err)

	data, err := contract.abi.Methods["getRecord"].Outputs.Pack(
		"did:key:z6MkTest", "bafyCid", big.NewInt(1_700_000_000),
	)
	require.NoError(t, err)

	record, err := contract.UnpackRecord(data)
	require.NoError(t, err)
	require.Equal(t, "did:key:z6MkTest", record.DID)
	require.Equal(t, "bafyCid", record.MetadataCID)
	require.True(t, record.Exists())
}

func TestPackRegister(t *testing.T) {
	contract, err := New()
	require.NoError(t, err)

	data, err := contract.PackRegister("did:key:z6MkTest", "bafyCid", []Proof{
		{Wallet: "0xabc", Chain: "ethereum", Signature: []byte{0x01}, Message: "owns 0xabc"},
	})
	require.NoError(t, err)
	require.Equal(t, contract.abi.Methods["register"].ID, data[:4])
}

func TestParseProofAccepted(t *testing.T) {
	contract, err := New()
	require.NoError(t, err)

	event := contract.abi.Events["WalletProofAccepted"]
	data, err := event.Inputs.Pack("did:key:z6MkTest", "bc1qabc", "bitcoin")
	require.NoError(t, err)

	decoded, err := contract.ParseProofAccepted(types.Log{
		Topics: []common.Hash{event.ID},
		Data:   data,
	})
	require.NoError(t, err)
	require.NotNil(t, decoded)
	require.Equal(t, "bc1qabc", decoded.Wallet)
	require.Equal(t, "bitcoin", decoded.Chain)
}

func TestParseProofAcceptedIgnoresForeignEvents(t *testing.T) {
	contract, err := New()
	require.NoError(t, err)

	decoded, err := contract.ParseProofAccepted(types.Log{
		Topics: []common.Hash{contract.abi.Events["DIDRegistered"].ID},
	})
	require.NoError(t, err)
	require.Nil(t, decoded)

	decoded, err = contract.ParseProofAccepted(types.Log{})
	require.NoError(t, err)
	require.Nil(t, decoded)
}
