// Package registry wraps the ledger-resident DID registry contract:
// ABI definition, call packing, and event parsing for the register and
// getRecord entry points.
package registry

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ABIJSON is the registry contract interface. register stores the DID with
// its metadata CID and the submitted wallet-ownership proofs, emitting one
// WalletProofAccepted event per proof the contract accepted.
const ABIJSON = `[
  {
    "type": "function",
    "name": "getRecord",
    "stateMutability": "view",
    "inputs": [{"name": "did", "type": "string"}],
    "outputs": [
      {"name": "did", "type": "string"},
      {"name": "metadataCid", "type": "string"},
      {"name": "registeredAt", "type": "uint256"}
    ]
  },
  {
    "type": "function",
    "name": "register",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "did", "type": "string"},
      {"name": "metadataCid", "type": "string"},
      {
        "name": "proofs",
        "type": "tuple[]",
        "components": [
          {"name": "wallet", "type": "string"},
          {"name": "chain", "type": "string"},
          {"name": "signature", "type": "bytes"},
          {"name": "message", "type": "string"}
        ]
      }
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "DIDRegistered",
    "inputs": [
      {"name": "did", "type": "string", "indexed": false},
      {"name": "metadataCid", "type": "string", "indexed": false}
    ],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "WalletProofAccepted",
    "inputs": [
      {"name": "did", "type": "string", "indexed": false},
      {"name": "wallet", "type": "string", "indexed": false},
      {"name": "chain", "type": "string", "indexed": false}
    ],
    "anonymous": false
  }
]`

// Proof mirrors the contract's proof tuple.
type Proof struct {
	Wallet    string
	Chain     string
	Signature []byte
	Message   string
}

// Record is the stored registry entry. Exists reports whether the DID has
// been registered; the contract returns a zero record for unknown DIDs.
type Record struct {
	DID          string
	MetadataCID  string
	RegisteredAt *big.Int
}

// Exists reports whether the record denotes a registered DID.
func (r Record) Exists() bool {
	return r.RegisteredAt != nil && r.RegisteredAt.Sign() > 0
}

// WalletProofAccepted is the decoded proof-acceptance event.
type WalletProofAccepted struct {
	DID    string `abi:"did"`
	Wallet string
	Chain  string
}

// Contract holds the parsed ABI for packing and log decoding.
type Contract struct {
	abi abi.ABI
}

// New parses the registry ABI.
func New() (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse registry ABI: %w", err)
	}
	return &Contract{abi: parsed}, nil
}

// PackGetRecord encodes a getRecord call.
func (c *Contract) PackGetRecord(did string) ([]byte, error) {
	return c.abi.Pack("getRecord", did)
}

// UnpackRecord decodes a getRecord result.
func (c *Contract) UnpackRecord(data []byte) (Record, error) {
	out, err := c.abi.Unpack("getRecord", data)
	if err != nil {
		return Record{}, fmt.Errorf("unpack getRecord: %w", err)
	}
	if len(out) != 3 {
		return Record{}, fmt.Errorf("unexpected getRecord output arity %d", len(out))
	}
	record := Record{}
	var ok bool
	if record.DID, ok = out[0].(string); !ok {
		return Record{}, fmt.Errorf("unexpected did type %T", out[0])
	}
	if record.MetadataCID, ok = out[1].(string); !ok {
		return Record{}, fmt.Errorf("unexpected metadataCid type %T", out[1])
	}
	if record.RegisteredAt, ok = out[2].(*big.Int); !ok {
		return Record{}, fmt.Errorf("unexpected registeredAt type %T", out[2])
	}
	return record, nil
}

// PackRegister encodes a register call.
func (c *Contract) PackRegister(did, metadataCID string, proofs []Proof) ([]byte, error) {
	return c.abi.Pack("register", did, metadataCID, proofs)
}

// ProofAcceptedTopic is the WalletProofAccepted event signature hash.
func (c *Contract) ProofAcceptedTopic() common.Hash {
	return c.abi.Events["WalletProofAccepted"].ID
}

// ParseProofAccepted decodes a WalletProofAccepted log, returning nil for
// logs of other events.
func (c *Contract) ParseProofAccepted(log types.Log) (*WalletProofAccepted, error) {
	event := c.abi.Events["WalletProofAccepted"]
	if len(log.Topics) == 0 || log.Topics[0] != event.ID {
		return nil, nil
	}
	var decoded WalletProofAccepted
	if err := c.abi.UnpackIntoInterface(&decoded, "WalletProofAccepted", log.Data); err != nil {
		return nil, fmt.Errorf("decode WalletProofAccepted: %w", err)
	}
	return &decoded, nil
}
