package symdb

import "github.com/appsworld/symdb/errs"

func errBadMemDb(msg string) error {
	return errs.New(errs.BadMemDb, msg)
}

func errUnsupportedVersion(got uint32) error {
	return &errs.Error{Kind: errs.UnsupportedMemDbVersion, Msg: "unsupported memdb version", Val: got}
}
