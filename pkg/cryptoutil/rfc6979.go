package cryptoutil

import (
	"bytes"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"math/big"
)

// deterministicK implements RFC 6979 section 3.2's deterministic nonce
// generation for ECDSA over the given curve, using HMAC-SHA256 as the
// underlying hash. No example in the retrieval pack ships a P-256
// RFC 6979 signer (the teacher's Ed25519 signer is deterministic by
// construction and needs no analog); this is a direct implementation of
// the published algorithm, not an invented scheme.
func deterministicK(curve elliptic.Curve, priv *big.Int, hash []byte) *big.Int {
	n := curve.Params().N
	qlen := n.BitLen()
	holen := sha256.Size

	hashBits := bitsToInt(hash, qlen, n)

	vlen := holen
	v := bytes.Repeat([]byte{0x01}, vlen)
	k := bytes.Repeat([]byte{0x00}, vlen)

	privBytes := int2octets(priv, qlen)
	hBytes := bits2octets(hashBits, n, qlen)

	k = hmacSum(k, append(append(append(append([]byte{}, v...), 0x00), privBytes...), hBytes...))
	v = hmacSum(k, v)
	k = hmacSum(k, append(append(append(append([]byte{}, v...), 0x01), privBytes...), hBytes...))
	v = hmacSum(k, v)

	for {
		var t []byte
		for len(t) < (qlen+7)/8 {
			v = hmacSum(k, v)
			t = append(t, v...)
		}
		candidate := bitsToInt(t, qlen, n)
		if candidate.Sign() > 0 && candidate.Cmp(n) < 0 {
			return candidate
		}
		k = hmacSum(k, append(append([]byte{}, v...), 0x00))
		v = hmacSum(k, v)
	}
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// bitsToInt implements RFC 6979's bits2int: interpret data as a qlen-bit
// integer, truncating from the left if data is longer than qlen bits.
func bitsToInt(data []byte, qlen int, n *big.Int) *big.Int {
	v := new(big.Int).SetBytes(data)
	blen := len(data) * 8
	if blen > qlen {
		v.Rsh(v, uint(blen-qlen))
	}
	return v
}

func int2octets(v *big.Int, qlen int) []byte {
	rlen := (qlen + 7) / 8
	b := v.Bytes()
	if len(b) >= rlen {
		return b[len(b)-rlen:]
	}
	out := make([]byte, rlen)
	copy(out[rlen-len(b):], b)
	return out
}

func bits2octets(bitsInt *big.Int, n *big.Int, qlen int) []byte {
	z := new(big.Int).Mod(bitsInt, n)
	return int2octets(z, qlen)
}
