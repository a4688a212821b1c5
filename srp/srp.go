// This package implements the SRP-6a protocol (RFC 2945) over the 2048-bit
// MODP group from RFC 3526 with SHA-256 as the digest. The server side drives
// the two-phase login handshake, the client side exists for credential
// generation and for exercising the handshake in tests.
//
// All values crossing the package boundary are lowercase hex strings, the
// form in which salts and verifiers are stored per client.
package srp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/kevinburke/nacl/randombytes"
)

// The 2048-bit MODP group from RFC 3526, section 3.
const hexN = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
	"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
	"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
	"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
	"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
	"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

var (
	errBadPublicValue = errors.New("srp: invalid public value")
	errBadEvidence    = errors.New("srp: evidence verification failed")
)

type Params struct {
	N *big.Int
	G *big.Int
}

// Group2048 returns the RFC 3526 2048-bit MODP group with generator 2.
func Group2048() *Params {
	n, ok := new(big.Int).SetString(hexN, 16)
	if !ok {
		panic("srp: bad group modulus")
	}
	return &Params{N: n, G: big.NewInt(2)}
}

func (p *Params) byteLen() int {
	return (p.N.BitLen() + 7) / 8
}

func (p *Params) pad(i *big.Int) []byte {
	b := i.Bytes()
	if len(b) >= p.byteLen() {
		return b
	}
	out := make([]byte, p.byteLen())
	copy(out[len(out)-len(b):], b)
	return out
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hashToInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hashBytes(parts...))
}

// k = H(N | PAD(g))
func (p *Params) multiplier() *big.Int {
	return hashToInt(p.N.Bytes(), p.pad(p.G))
}

// x = H(s | H(I ":" P))
func (p *Params) privateKey(identity, password string, salt []byte) *big.Int {
	inner := hashBytes([]byte(identity + ":" + password))
	return hashToInt(salt, inner)
}

// NewSalt makes a fresh random 16-byte salt, hex-encoded.
func NewSalt() string {
	b := make([]byte, 16)
	randombytes.MustRead(b)
	return hex.EncodeToString(b)
}

// GenerateVerifier computes v = g^x mod N for storage alongside the salt.
func (p *Params) GenerateVerifier(identity, password, saltHex string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("srp: bad salt: %w", err)
	}
	x := p.privateKey(identity, password, salt)
	v := new(big.Int).Exp(p.G, x, p.N)
	return hex.EncodeToString(v.Bytes()), nil
}

// evidenceM1 = H(H(N) xor H(g) | H(I) | s | A | B | K)
func (p *Params) evidenceM1(identity string, salt []byte, a, b *big.Int, k []byte) []byte {
	hn := hashBytes(p.N.Bytes())
	hg := hashBytes(p.G.Bytes())
	for i := range hn {
		hn[i] ^= hg[i]
	}
	hi := hashBytes([]byte(identity))
	return hashBytes(hn, hi, salt, a.Bytes(), b.Bytes(), k)
}

// ServerSession holds the state of one SRP handshake on the server side.
// It is strictly one-shot: a credentials exchange followed by a single
// evidence verification.
type ServerSession struct {
	params   *Params
	identity string
	salt     []byte
	verifier *big.Int
	b        *big.Int
	bPub     *big.Int
	aPub     *big.Int
	key      []byte
}

func NewServerSession(params *Params, identity, saltHex, verifierHex string) (*ServerSession, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("srp: bad salt: %w", err)
	}
	vb, err := hex.DecodeString(verifierHex)
	if err != nil {
		return nil, fmt.Errorf("srp: bad verifier: %w", err)
	}
	v := new(big.Int).SetBytes(vb)
	if v.Sign() == 0 {
		return nil, errors.New("srp: empty verifier")
	}
	return &ServerSession{
		params:   params,
		identity: identity,
		salt:     salt,
		verifier: v,
	}, nil
}

// Credentials consumes the client's ephemeral public value A and produces the
// server value B. Fails if A mod N == 0.
func (s *ServerSession) Credentials(aHex string) (string, error) {
	ab, err := hex.DecodeString(aHex)
	if err != nil {
		return "", fmt.Errorf("srp: bad public value: %w", err)
	}
	a := new(big.Int).SetBytes(ab)
	if new(big.Int).Mod(a, s.params.N).Sign() == 0 {
		return "", errBadPublicValue
	}
	s.aPub = a

	bSecret := make([]byte, 32)
	randombytes.MustRead(bSecret)
	s.b = new(big.Int).SetBytes(bSecret)

	// B = k*v + g^b
	k := s.params.multiplier()
	gb := new(big.Int).Exp(s.params.G, s.b, s.params.N)
	kv := new(big.Int).Mul(k, s.verifier)
	kv.Add(kv, gb)
	kv.Mod(kv, s.params.N)
	s.bPub = kv

	// u = H(PAD(A) | PAD(B))
	u := hashToInt(s.params.pad(a), s.params.pad(s.bPub))
	if u.Sign() == 0 {
		return "", errBadPublicValue
	}

	// S = (A * v^u) ^ b
	vu := new(big.Int).Exp(s.verifier, u, s.params.N)
	base := vu.Mul(vu, a).Mod(vu, s.params.N)
	secret := new(big.Int).Exp(base, s.b, s.params.N)
	s.key = hashBytes(secret.Bytes())

	return hex.EncodeToString(s.bPub.Bytes()), nil
}

// VerifyEvidence checks the client evidence M1 and, on success, returns the
// server evidence M2 = H(A | M1 | K).
func (s *ServerSession) VerifyEvidence(m1Hex string) (string, error) {
	if s.key == nil {
		return "", errors.New("srp: credentials not exchanged")
	}
	m1, err := hex.DecodeString(m1Hex)
	if err != nil {
		return "", fmt.Errorf("srp: bad evidence: %w", err)
	}
	expected := s.params.evidenceM1(s.identity, s.salt, s.aPub, s.bPub, s.key)
	if subtle.ConstantTimeCompare(m1, expected) != 1 {
		return "", errBadEvidence
	}
	m2 := hashBytes(s.aPub.Bytes(), expected, s.key)
	return hex.EncodeToString(m2), nil
}

// ClientSession drives the client half of the handshake. The server repo
// uses it only for verifier generation and tests.
type ClientSession struct {
	params   *Params
	identity string
	password string
	a        *big.Int
	aPub     *big.Int
	bPub     *big.Int
	salt     []byte
	key      []byte
	m1       []byte
}

func NewClientSession(params *Params, identity, password string) *ClientSession {
	aSecret := make([]byte, 32)
	randombytes.MustRead(aSecret)
	a := new(big.Int).SetBytes(aSecret)
	return &ClientSession{
		params:   params,
		identity: identity,
		password: password,
		a:        a,
		aPub:     new(big.Int).Exp(params.G, a, params.N),
	}
}

func (c *ClientSession) PublicValue() string {
	return hex.EncodeToString(c.aPub.Bytes())
}

// ComputeEvidence consumes the salt and the server value B and produces M1.
func (c *ClientSession) ComputeEvidence(saltHex, bHex string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("srp: bad salt: %w", err)
	}
	bb, err := hex.DecodeString(bHex)
	if err != nil {
		return "", fmt.Errorf("srp: bad public value: %w", err)
	}
	b := new(big.Int).SetBytes(bb)
	if new(big.Int).Mod(b, c.params.N).Sign() == 0 {
		return "", errBadPublicValue
	}
	c.salt = salt
	c.bPub = b

	u := hashToInt(c.params.pad(c.aPub), c.params.pad(b))
	if u.Sign() == 0 {
		return "", errBadPublicValue
	}

	x := c.params.privateKey(c.identity, c.password, salt)
	k := c.params.multiplier()

	// S = (B - k*g^x) ^ (a + u*x)
	gx := new(big.Int).Exp(c.params.G, x, c.params.N)
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Sub(b, kgx)
	base.Mod(base, c.params.N)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	secret := new(big.Int).Exp(base, exp, c.params.N)
	c.key = hashBytes(secret.Bytes())

	c.m1 = c.params.evidenceM1(c.identity, salt, c.aPub, b, c.key)
	return hex.EncodeToString(c.m1), nil
}

// VerifyServerEvidence checks M2 against the expected H(A | M1 | K).
func (c *ClientSession) VerifyServerEvidence(m2Hex string) bool {
	m2, err := hex.DecodeString(m2Hex)
	if err != nil {
		return false
	}
	expected := hashBytes(c.aPub.Bytes(), c.m1, c.key)
	return subtle.ConstantTimeCompare(m2, expected) == 1
}
