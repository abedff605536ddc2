package ext2fs

import "testing"

func TestParseOptionsDefaults(t *testing.T) {
	o, err := ParseOptions("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.Reservation {
		t.Errorf("reservation should default to true")
	}
	if o.Errors != ErrorContinue {
		t.Errorf("errors policy should default to continue")
	}
}

func TestParseOptionsFlags(t *testing.T) {
	o, err := ParseOptions("noreservation,errors=remount-ro,resuid=100,sb=32768,grpid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Reservation {
		t.Errorf("noreservation should clear Reservation")
	}
	if o.Errors != ErrorReadOnly {
		t.Errorf("errors=remount-ro should set ErrorReadOnly")
	}
	if o.ResUID != 100 {
		t.Errorf("resuid=100 should set ResUID, got %d", o.ResUID)
	}
	if o.SuperblockBlock != 32768 {
		t.Errorf("sb=32768 should set SuperblockBlock, got %d", o.SuperblockBlock)
	}
	if !o.GroupIDBit {
		t.Errorf("grpid should set GroupIDBit")
	}
}

func TestParseOptionsBadValue(t *testing.T) {
	if _, err := ParseOptions("resuid=notanumber"); err == nil {
		t.Errorf("expected an error parsing a non-numeric resuid")
	}
}

func TestParseOptionsUnknownIgnored(t *testing.T) {
	o, err := ParseOptions("somefutureoption,acl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.ACL {
		t.Errorf("acl should still be parsed alongside an unknown option")
	}
}
