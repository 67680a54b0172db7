package x402

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	// EIP-3009.
	transferWithAuthorizationTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))

	ErrInvalidSignature = errors.New("x402: invalid signature")
)

// Digest computes the EIP-712 digest a wallet signs for a TransferWithAuthorization:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func Digest(d Domain, a TransferAuthorization) common.Hash {
	domainSep := DomainSeparator(d)
	sh := structHash(a)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSep[:], sh[:])
}

// DomainSeparator is keccak256(abi.encode(typeHash, keccak(name), keccak(version), chainId, verifyingContract)).
func DomainSeparator(d Domain) common.Hash {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	b := make([]byte, 0, 32*5)
	b = append(b, eip712DomainTypeHash[:]...)
	b = append(b, nameHash[:]...)
	b = append(b, versionHash[:]...)
	b = append(b, encodeUint256(new(uint256.Int).SetUint64(d.ChainID))...)
	b = append(b, encodeAddress(d.VerifyingContract)...)
	return crypto.Keccak256Hash(b)
}

func structHash(a TransferAuthorization) common.Hash {
	value := a.Value
	if value == nil {
		value = new(uint256.Int)
	}
	// abi.encode(bytes32,address,address,uint256,uint256,uint256,bytes32)
	b := make([]byte, 0, 32*7)
	b = append(b, transferWithAuthorizationTypeHash[:]...)
	b = append(b, encodeAddress(a.From)...)
	b = append(b, encodeAddress(a.To)...)
	b = append(b, encodeUint256(value)...)
	b = append(b, encodeUint256(new(uint256.Int).SetUint64(a.ValidAfter))...)
	b = append(b, encodeUint256(new(uint256.Int).SetUint64(a.ValidBefore))...)
	b = append(b, a.Nonce[:]...)
	return crypto.Keccak256Hash(b)
}

// SignDigest returns a 65-byte r || s || v signature with v in {27,28}, the form
// wallets emit for eth_signTypedData_v4.
func SignDigest(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	if key == nil {
		return nil, errors.New("x402: nil private key")
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("x402: sign digest: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// RecoverSigner recovers the address that produced sig over digest.
// sig must be 65 bytes with v in {0,1,27,28}.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	s := make([]byte, signatureLength)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
	case 27, 28:
		s[64] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[64])
	}

	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func encodeUint256(v *uint256.Int) []byte {
	out := v.Bytes32()
	return out[:]
}

func encodeAddress(a common.Address) []byte {
	var out [32]byte
	copy(out[12:], a[:])
	return out[:]
}
