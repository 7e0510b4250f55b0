package repository

import (
	"database/sql"
	"errors"
)

// optional turns sql.ErrNoRows into (nil, nil). Lookups by id report a missing
// row as a nil result and leave the NOT_FOUND decision to the service.
func optional[T any](row *T, err error) (*T, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return row, nil
}
