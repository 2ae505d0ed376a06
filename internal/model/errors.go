package model

import (
	"errors"
)

var (
	ErrInvalidJob = errors.New("invalid job message")
	ErrTooBig     = errors.New("file too big")
	ErrNoMatch    = errors.New("no match")
)
