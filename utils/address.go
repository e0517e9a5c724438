package utils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

// AddressVersion WES P2PKH 地址版本字节
const AddressVersion byte = 0x1C

// AddressLength 地址哈希长度
const AddressLength = 20

var (
	// ErrInvalidAddress 地址格式错误
	ErrInvalidAddress = errors.New("invalid address")
	// ErrAddressChecksum 地址校验和错误
	ErrAddressChecksum = errors.New("invalid address checksum")
)

// EncodeAddress 将 20 字节地址哈希编码为 Base58Check 文本
//
// 格式：版本字节 + 地址哈希 + 双重 SHA256 的前 4 字节。
func EncodeAddress(hash []byte) (string, error) {
	if len(hash) != AddressLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressLength, len(hash))
	}
	return base58.CheckEncode(hash, AddressVersion), nil
}

// DecodeAddress 解析 Base58Check 地址，返回 20 字节地址哈希
func DecodeAddress(addr string) ([]byte, error) {
	hash, version, err := base58.CheckDecode(addr)
	switch {
	case errors.Is(err, base58.ErrChecksum):
		return nil, ErrAddressChecksum
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	case version != AddressVersion:
		return nil, fmt.Errorf("%w: unexpected version 0x%02x", ErrInvalidAddress, version)
	case len(hash) != AddressLength:
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressLength, len(hash))
	}
	return hash, nil
}

// ValidateAddress 检查地址文本是否合法
func ValidateAddress(addr string) error {
	_, err := DecodeAddress(addr)
	return err
}

// NormalizeAddress 接受 Base58 或 0x 十六进制地址，统一返回 Base58 文本
//
// 订阅参数按规范化后的文本比较，同一地址的两种写法对应同一个订阅。
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		hash, err := hexutil.Decode("0x" + addr[2:])
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return EncodeAddress(hash)
	}
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return addr, nil
}

// AddressToHex 将 Base58 地址转换为带 0x 前缀的十六进制
func AddressToHex(addr string) (string, error) {
	hash, err := DecodeAddress(addr)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(hash), nil
}

// AddressFromPublicKey 由 secp256k1 公钥计算地址：HASH160(compressed_pubkey)
func AddressFromPublicKey(pub *ecdsa.PublicKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("%w: nil public key", ErrInvalidAddress)
	}
	sha := sha256.Sum256(ethcrypto.CompressPubkey(pub))
	r := ripemd160.New()
	_, _ = r.Write(sha[:])
	return EncodeAddress(r.Sum(nil))
}

// AddressFromPublicKeyHex 接受 0x 开头的压缩（33 字节）公钥
func AddressFromPublicKeyHex(pubHex string) (string, error) {
	raw, err := hexutil.Decode(pubHex)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	pub, err := ethcrypto.DecompressPubkey(raw)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return AddressFromPublicKey(pub)
}
