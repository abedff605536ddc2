package ext2fs

import (
	"strconv"
	"strings"
)

// DfBehavior selects how free-space accounting handles the overhead blocks
// reserved for the superuser (minixdf counts them as used; bsddf, the
// default, does not).
type DfBehavior int

const (
	DfBSD DfBehavior = iota
	DfMinix
)

// ErrorPolicy selects what Mount/operations do when they detect on-disk
// corruption.
type ErrorPolicy int

const (
	// ErrorContinue makes Mount log an unclean superblock state via
	// elog.Logger.Warnf and mount the filesystem anyway.
	ErrorContinue ErrorPolicy = iota
	// ErrorReadOnly is set by errors=remount-ro. Mount handles an unclean
	// state as it does under ErrorContinue; nothing switches the
	// filesystem to read-only.
	ErrorReadOnly
	// ErrorPanic is set by errors=panic and makes Mount refuse, with a
	// corruption error, a filesystem whose state is not StateValid.
	ErrorPanic
)

// Options are the mount-time options, parsed from an ext2 mount option
// string of the familiar `key=value,flag,noflag` form.
type Options struct {
	SuperblockBlock int64 // sb=N: alternate/backup superblock block number
	DfBehavior      DfBehavior
	GroupIDBit      bool // grpid: new inode gid = parent dir's gid
	ResUID          uint16
	ResGID          uint16
	Errors          ErrorPolicy
	NoUID32         bool
	Debug           bool
	UserXattr       bool
	ACL             bool
	Reservation     bool // default true; noreservation disables block reservation windows
	UserQuota       bool
	GroupQuota      bool
	Synchronous     bool
	ReadOnly        bool
}

// DefaultOptions returns the option set a bare `mount -t ext2` applies.
func DefaultOptions() Options {
	return Options{
		Reservation: true,
		Errors:      ErrorContinue,
	}
}

// ParseOptions parses a comma-separated ext2 mount option string, starting
// from DefaultOptions.
func ParseOptions(s string) (Options, error) {
	o := DefaultOptions()
	if s == "" {
		return o, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val, hasVal := tok, "", false
		if i := strings.IndexByte(tok, '='); i >= 0 {
			key, val, hasVal = tok[:i], tok[i+1:], true
		}
		switch key {
		case "sb":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil || !hasVal {
				return o, newErr(KindInvalid, "bad sb= option %q", tok)
			}
			o.SuperblockBlock = n
		case "minixdf":
			o.DfBehavior = DfMinix
		case "bsddf":
			o.DfBehavior = DfBSD
		case "grpid", "bsdgroups":
			o.GroupIDBit = true
		case "nogrpid", "sysvgroups":
			o.GroupIDBit = false
		case "resuid":
			n, err := strconv.ParseUint(val, 10, 16)
			if err != nil || !hasVal {
				return o, newErr(KindInvalid, "bad resuid= option %q", tok)
			}
			o.ResUID = uint16(n)
		case "resgid":
			n, err := strconv.ParseUint(val, 10, 16)
			if err != nil || !hasVal {
				return o, newErr(KindInvalid, "bad resgid= option %q", tok)
			}
			o.ResGID = uint16(n)
		case "errors":
			switch val {
			case "continue":
				o.Errors = ErrorContinue
			case "remount-ro":
				o.Errors = ErrorReadOnly
			case "panic":
				o.Errors = ErrorPanic
			default:
				return o, newErr(KindInvalid, "bad errors= option %q", tok)
			}
		case "nouid32":
			o.NoUID32 = true
		case "debug":
			o.Debug = true
		case "user_xattr":
			o.UserXattr = true
		case "nouser_xattr":
			o.UserXattr = false
		case "acl":
			o.ACL = true
		case "noacl":
			o.ACL = false
		case "reservation":
			o.Reservation = true
		case "noreservation":
			o.Reservation = false
		case "usrquota":
			o.UserQuota = true
		case "grpquota":
			o.GroupQuota = true
		case "sync":
			o.Synchronous = true
		case "ro":
			o.ReadOnly = true
		default:
			// Unknown options are ignored rather than rejected, matching
			// the on-disk mount(8) convention of silently accepting
			// options meant for other filesystems in a shared fstab line.
		}
	}
	return o, nil
}

// apply folds the resolved reserved-uid/gid defaults from the superblock
// into o when the caller didn't override them explicitly.
func (o *Options) apply(sb *Superblock) error {
	if o.ResUID == 0 {
		o.ResUID = sb.ResUID
	}
	if o.ResGID == 0 {
		o.ResGID = sb.ResGID
	}
	return nil
}
