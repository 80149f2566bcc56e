package repository

import (
	"fmt"

	"github.com/okian/verdict/internal/domain/model"
)

// ErrMissingID is returned when a record is saved without its key.
var ErrMissingID = fmt.Errorf("record id required: %w", model.ErrInvalidValue)
