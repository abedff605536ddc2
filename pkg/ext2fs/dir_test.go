package ext2fs

import "testing"

func TestDentryMinLength(t *testing.T) {
	cases := []struct {
		nameLen int
		want    uint16
	}{
		{1, 12}, // 8 header + 1 name, rounded to 12
		{4, 12}, // 8 + 4 = 12 exactly
		{5, 16},
		{255, 264},
	}
	for _, c := range cases {
		if got := dentryMinLength(c.nameLen); got != c.want {
			t.Errorf("dentryMinLength(%d) = %d, want %d", c.nameLen, got, c.want)
		}
	}
}

func TestDentryEncodeDecodeRoundTrip(t *testing.T) {
	data := make([]byte, 64)
	d := dentry{Inode: 42, RecLen: 16, NameLen: 5, FileType: FileTypeReg, Name: "hello", offset: 0}
	encodeDentry(data, d)

	got := decodeDentry(data, 0)
	if got.Inode != d.Inode || got.RecLen != d.RecLen || got.NameLen != d.NameLen || got.FileType != d.FileType || got.Name != d.Name {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, d)
	}
}
