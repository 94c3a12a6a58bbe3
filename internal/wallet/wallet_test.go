package wallet

import (
	"context"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"referral-dapp/internal/config"
	xerrors "referral-dapp/internal/errors"
)

func TestKeyConnectorTransactOpts(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	c, err := NewKeyConnector(hexKey, big.NewInt(1337))
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	c.WithGasLimit(90000)

	addr, ok := c.Account()
	if !ok || addr != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected account %s", addr.Hex())
	}
	opts, err := c.TransactOpts(context.Background())
	if err != nil {
		t.Fatalf("transact opts: %v", err)
	}
	if opts.From != addr || opts.GasLimit != 90000 || opts.Signer == nil {
		t.Fatalf("unexpected opts: %+v", opts)
	}
}

func TestKeyConnectorRejectsBadInput(t *testing.T) {
	if _, err := NewKeyConnector("not-a-key", big.NewInt(1)); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	key, _ := crypto.GenerateKey()
	if _, err := NewKeyConnector(hex.EncodeToString(crypto.FromECDSA(key)), nil); err == nil {
		t.Fatal("expected error without chain id")
	}
}

func TestKeystoreConnector(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ks := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	keyJSON, err := keystore.EncryptKey(ks, "secret", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, keyJSON, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}

	conn, err := FromConfig(config.WalletConfig{Keystore: path, Passphrase: "secret"}, big.NewInt(1337))
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if addr, _ := conn.Account(); addr != ks.Address {
		t.Fatalf("unexpected address %s", addr.Hex())
	}

	if _, err := FromConfig(config.WalletConfig{Keystore: path, Passphrase: "wrong"}, big.NewInt(1337)); err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}
}

func TestWatchOnlyAndDisconnected(t *testing.T) {
	conn, err := FromConfig(config.WalletConfig{Address: "0x00000000000000000000000000000000000000aa"}, nil)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	state := Describe(conn)
	if !state.Connected || state.CanSign || state.Kind != "watch_only" {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := conn.TransactOpts(context.Background()); !xerrors.HasCode(err, xerrors.CodeWalletReadOnly) {
		t.Fatalf("expected read only error, got %v", err)
	}

	conn, err = FromConfig(config.WalletConfig{}, nil)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if _, ok := conn.Account(); ok || conn.Connected() {
		t.Fatal("expected disconnected connector")
	}
	if _, err := conn.TransactOpts(context.Background()); !xerrors.HasCode(err, xerrors.CodeWalletDisconnected) {
		t.Fatalf("expected disconnected error, got %v", err)
	}

	if _, err := NewWatchOnly("0x123"); !xerrors.HasCode(err, xerrors.CodeInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}
