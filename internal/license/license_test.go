package license

import (
	"errors"
	"testing"
)

func TestVerifySerialKey(t *testing.T) {
	idx := NewIndex(nil)
	idx.Add(&License{SerialNumber: 0x12345678, AccessKey: "abcd1234"})

	if _, err := idx.VerifyV1V2(0x12345678, "abcd1234"); err != nil {
		t.Fatalf("VerifyV1V2: %v", err)
	}
	if _, err := idx.VerifyV1V2(0x12345678, "wrong"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
	if _, err := idx.VerifyGC(0x99999999, "abcd1234"); !errors.Is(err, ErrMissingLicense) {
		t.Fatalf("got %v, want ErrMissingLicense", err)
	}
}

func TestBBCreateAndVerify(t *testing.T) {
	idx := NewIndex(nil)
	l, err := idx.CreateBB("Guild", "hunter2")
	if err != nil {
		t.Fatalf("CreateBB: %v", err)
	}
	if l.SerialNumber == 0 || l.SerialNumber&0x80000000 != 0 {
		t.Fatalf("serial %08X out of range", l.SerialNumber)
	}

	// Lookup is case-insensitive on the username.
	got, err := idx.VerifyBB("guild", "hunter2")
	if err != nil {
		t.Fatalf("VerifyBB: %v", err)
	}
	if got != l {
		t.Fatal("wrong license returned")
	}
	if _, err := idx.VerifyBB("guild", "wrong"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestBannedLicenseDenied(t *testing.T) {
	idx := NewIndex(nil)
	idx.Add(&License{SerialNumber: 7, AccessKey: "key", Banned: true})
	if _, err := idx.VerifyV1V2(7, "key"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestVerifyXB(t *testing.T) {
	idx := NewIndex(nil)
	idx.Add(&License{
		SerialNumber: 0x1000,
		XBGamertag:   "RagolRanger",
		XBUserID:     0x0009000012345678,
		XBAccountID:  0xDEADBEEF,
	})

	if _, err := idx.VerifyXB("RagolRanger", 0x0009000012345678, 0xDEADBEEF); err != nil {
		t.Fatalf("VerifyXB: %v", err)
	}
	if _, err := idx.VerifyXB("RagolRanger", 0x0009000012345678, 0x1); !errors.Is(err, ErrMissingLicense) {
		t.Fatalf("got %v, want ErrMissingLicense", err)
	}

	tmp := idx.CreateTemporaryXB("Stranger", 7, 8)
	if !tmp.Temporary || tmp.SerialNumber == 0 {
		t.Fatalf("temporary XB license %+v", tmp)
	}
	if _, err := idx.VerifyXB("Stranger", 7, 8); err != nil {
		t.Fatalf("VerifyXB temporary: %v", err)
	}
}

func TestTemporaryLicense(t *testing.T) {
	idx := NewIndex(nil)
	l := idx.CreateTemporary(42, "proto")
	if !l.Temporary {
		t.Fatal("license should be temporary")
	}
	if _, err := idx.VerifyV1V2(42, "proto"); err != nil {
		t.Fatalf("VerifyV1V2: %v", err)
	}
}
