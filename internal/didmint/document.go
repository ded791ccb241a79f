package didmint

import (
	"didvault/internal/anchor"
	"didvault/internal/custody"
	"didvault/internal/domain"
)

// DIDDocument is the W3C DID document shape this service publishes.
type DIDDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
	AssertionMethod    []string             `json:"assertionMethod"`
	Service            []ServiceEntry       `json:"service"`
}

// VerificationMethod references the signing public key.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// ServiceEntry is a DID document service endpoint.
type ServiceEntry struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	ServiceEndpoint string         `json:"serviceEndpoint"`
	Properties      map[string]any `json:"properties,omitempty"`
}

// buildDocument assembles the DID document: one verification method, a
// primary anchor service covering all wallets, one lookup service per wallet,
// and a generic identity-verification entry.
func buildDocument(did, multibase string, anc anchor.Anchor, wallets map[domain.Chain]custody.AddressInfo) DIDDocument {
	vmID := did + "#key-1"

	services := []ServiceEntry{
		{
			ID:              did + "#wallet-anchor",
			Type:            "WalletAnchor",
			ServiceEndpoint: anc.URL,
			Properties: map[string]any{
				"anchorCid":    anc.CID,
				"combinedHash": anc.CombinedHash,
				"walletCount":  len(wallets),
			},
		},
	}

	for _, h := range anc.Hashes {
		services = append(services, ServiceEntry{
			ID:              did + "#wallet-" + string(h.Chain),
			Type:            "WalletAddress",
			ServiceEndpoint: anc.URL,
			Properties: map[string]any{
				"chain":       string(h.Chain),
				"address":     h.Address,
				"addressHash": h.AddressHash,
			},
		})
	}

	services = append(services, ServiceEntry{
		ID:              did + "#identity-verification",
		Type:            "IdentityVerification",
		ServiceEndpoint: anc.URL,
		Properties: map[string]any{
			"method":       keyType,
			"anchorSource": anc.CID,
		},
	})

	return DIDDocument{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/suites/ed25519-2020/v1",
		},
		ID: did,
		VerificationMethod: []VerificationMethod{
			{
				ID:                 vmID,
				Type:               keyType,
				Controller:         did,
				PublicKeyMultibase: multibase,
			},
		},
		Authentication:  []string{vmID},
		AssertionMethod: []string{vmID},
		Service:         services,
	}
}
