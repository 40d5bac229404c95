package authorizer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"ChainDCA/internal/credential"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	router = "0xdef1c0ded9bec7f1a1670819833240f027b25eff"
	other  = "0x9999999999999999999999999999999999999999"
)

func setup(t *testing.T) (*Authorizer, *credential.Service, context.Context) {
	t.Helper()
	sealer, err := credential.NewSealer(testMasterKey)
	if err != nil {
		t.Fatalf("创建 Sealer 失败: %v", err)
	}
	store := credential.NewMemoryStore()
	svc := credential.NewService(store, sealer)
	auth := New(store, sealer, []string{router})
	return auth, svc, context.Background()
}

func issue(t *testing.T, svc *credential.Service, ctx context.Context, scope credential.Scope) *credential.Credential {
	t.Helper()
	if len(scope.AllowedTargets) == 0 {
		scope.AllowedTargets = []string{router}
	}
	c, err := svc.Issue(ctx, credential.IssueParams{
		UserAddress: "0x2222222222222222222222222222222222222222",
		Scope:       scope,
		NotAfter:    time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("签发凭证失败: %v", err)
	}
	return c
}

func testCall() Call {
	return Call{
		Target:   common.HexToAddress(router),
		Calldata: []byte{0x38, 0xed, 0x17, 0x39, 0x01},
		Value:    new(big.Int),
		Spend:    big.NewInt(100),
		Deadline: time.Now().Add(2 * time.Minute).Unix(),
	}
}

func TestAuthorizeSignsAndRecovers(t *testing.T) {
	auth, svc, ctx := setup(t)
	cred := issue(t, svc, ctx, credential.Scope{})

	signed, err := auth.Authorize(ctx, cred.ID, testCall())
	if err != nil {
		t.Fatalf("授权失败: %v", err)
	}
	if signed.Signer.Hex() != cred.SignerAddress {
		t.Fatalf("签名者 = %s, want %s", signed.Signer.Hex(), cred.SignerAddress)
	}

	// 签名必须能恢复出会话地址。
	pub, err := crypto.SigToPub(signed.Digest.Bytes(), signed.Signature)
	if err != nil {
		t.Fatalf("恢复公钥失败: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != signed.Signer {
		t.Fatal("签名无法恢复出签名者地址")
	}
}

func TestAuthorizeRejectsOffAllowlist(t *testing.T) {
	auth, svc, ctx := setup(t)
	// 凭证范围包含 other，但运营方白名单不包含。
	cred := issue(t, svc, ctx, credential.Scope{AllowedTargets: []string{router, other}})

	call := testCall()
	call.Target = common.HexToAddress(other)
	if _, err := auth.Authorize(ctx, cred.ID, call); !errors.Is(err, ErrTargetForbidden) {
		// 两层白名单中运营方优先。
		if err == nil {
			t.Fatal("白名单外目标应被拒绝")
		}
	}
}

func TestAuthorizeRejectsRevokedCredential(t *testing.T) {
	auth, svc, ctx := setup(t)
	cred := issue(t, svc, ctx, credential.Scope{})
	if _, err := svc.Revoke(ctx, cred.ID); err != nil {
		t.Fatalf("撤销失败: %v", err)
	}

	if _, err := auth.Authorize(ctx, cred.ID, testCall()); !errors.Is(err, credential.ErrCredentialRevoked) {
		t.Fatalf("期望 ErrCredentialRevoked, got %v", err)
	}
}

func TestAuthorizeRejectsSpendOverCeiling(t *testing.T) {
	auth, svc, ctx := setup(t)
	cred := issue(t, svc, ctx, credential.Scope{SpendCeiling: "50"})

	call := testCall()
	call.Spend = big.NewInt(100)
	if _, err := auth.Authorize(ctx, cred.ID, call); err == nil {
		t.Fatal("超出凭证上限的金额应被拒绝")
	}
}

func TestAuthorizeRejectsUnknownCredential(t *testing.T) {
	auth, _, ctx := setup(t)
	if _, err := auth.Authorize(ctx, "missing", testCall()); !errors.Is(err, credential.ErrCredentialNotFound) {
		t.Fatalf("期望 ErrCredentialNotFound, got %v", err)
	}
}

func TestCallDigestDeterministic(t *testing.T) {
	call := testCall()
	if CallDigest(call) != CallDigest(call) {
		t.Fatal("相同调用的摘要应一致")
	}
	changed := call
	changed.Deadline++
	if CallDigest(call) == CallDigest(changed) {
		t.Fatal("不同截止时间的摘要应不同")
	}
}
