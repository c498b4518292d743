package store

import (
	"errors"

	"coralnet/internal/models"
)

var (
	ErrNotFound  = models.ErrNotFound
	ErrDuplicate = errors.New("store: duplicate resource")
	ErrConflict  = errors.New("store: conflicting resource state")
)
