//go:build !unix

package fuse

import (
	"errors"

	"github.com/jech/stread/randread"
)

var ErrNotImplemented = errors.New("not implemented")

func Serve(mountpoint string, registry *randread.Registry) error {
	return ErrNotImplemented
}

func Close(mountpoint string) error {
	return ErrNotImplemented
}
