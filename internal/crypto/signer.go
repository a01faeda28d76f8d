package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Exchange contracts on Polygon mainnet. Orders are signed against the
// contract that will settle them.
var (
	CTFExchange        = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	NegRiskCTFExchange = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

const clobAuthMessage = "This message attests that I control the given wallet"

var (
	authDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	exchangeDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	clobAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// Order sides and signature types as encoded in the signed struct.
const (
	SideBuy  = 0
	SideSell = 1

	SignatureEOA        = 0
	SignaturePolyProxy  = 1
	SignatureGnosisSafe = 2
)

// OrderPayload is the signed part of a CLOB order. Integers are decimal
// strings so they survive JSON round trips without precision loss.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`
	SignatureType int    `json:"signatureType"`
}

// Signer provides EIP-712 signing for the Polymarket CLOB API.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int
	authDomain []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the target chain ID (137 for Polygon mainnet).
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	s := &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}
	s.authDomain = ethcrypto.Keccak256(concatBytes(
		authDomainTypeHash,
		ethcrypto.Keccak256([]byte("ClobAuthDomain")),
		ethcrypto.Keccak256([]byte("1")),
		bigIntTo32Bytes(big.NewInt(int64(chainID))),
	))
	return s, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuthMessage signs the ClobAuth message used to create or derive L2
// API credentials (L1 authentication).
func (s *Signer) SignAuthMessage(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(concatBytes(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(strconv.FormatInt(timestamp, 10))),
		bigIntTo32Bytes(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	))
	return s.signDigest(eip712Hash(s.authDomain, structHash))
}

// SignOrder signs order for settlement on exchange and returns the
// 0x-prefixed 65-byte signature.
func (s *Signer) SignOrder(order OrderPayload, exchange common.Address) (string, error) {
	structHash, err := orderStructHash(order)
	if err != nil {
		return "", err
	}
	return s.signDigest(eip712Hash(s.exchangeDomain(exchange), structHash))
}

// SaltForKey derives a deterministic order salt from an idempotency key.
// Resubmitting the same key therefore produces the same order hash, which
// the exchange refuses to match twice. The value fits in 53 bits so it is
// exact as a JSON number.
func SaltForKey(key string) string {
	h := ethcrypto.Keccak256([]byte(key))
	v := binary.BigEndian.Uint64(h[:8]) & (1<<53 - 1)
	return strconv.FormatUint(v, 10)
}

// RecoverAddress returns the address that produced sig over the digest of
// order. It is used to self-check signatures before they leave the process.
func (s *Signer) RecoverAddress(order OrderPayload, exchange common.Address, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil || len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature")
	}
	structHash, err := orderStructHash(order)
	if err != nil {
		return common.Address{}, err
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(eip712Hash(s.exchangeDomain(exchange), structHash), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func (s *Signer) exchangeDomain(exchange common.Address) []byte {
	return ethcrypto.Keccak256(concatBytes(
		exchangeDomainTypeHash,
		ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
		ethcrypto.Keccak256([]byte("1")),
		bigIntTo32Bytes(big.NewInt(int64(s.chainID))),
		common.LeftPadBytes(exchange.Bytes(), 32),
	))
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// signDigest signs a 32-byte digest and returns r || s || v with v in {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func orderStructHash(o OrderPayload) ([]byte, error) {
	fields := []struct {
		name, value string
	}{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	}
	nums := make(map[string]*big.Int, len(fields))
	for _, f := range fields {
		n, ok := new(big.Int).SetString(f.value, 10)
		if !ok {
			return nil, fmt.Errorf("crypto/signer: invalid %s %q", f.name, f.value)
		}
		nums[f.name] = n
	}

	return ethcrypto.Keccak256(concatBytes(
		orderTypeHash,
		bigIntTo32Bytes(nums["salt"]),
		common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Signer).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Taker).Bytes(), 32),
		bigIntTo32Bytes(nums["tokenId"]),
		bigIntTo32Bytes(nums["makerAmount"]),
		bigIntTo32Bytes(nums["takerAmount"]),
		bigIntTo32Bytes(nums["expiration"]),
		bigIntTo32Bytes(nums["nonce"]),
		bigIntTo32Bytes(nums["feeRateBps"]),
		bigIntTo32Bytes(big.NewInt(int64(o.Side))),
		bigIntTo32Bytes(big.NewInt(int64(o.SignatureType))),
	)), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
