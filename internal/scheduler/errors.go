package scheduler

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

var (
	// 請求參數不合法（數量、作物、活動種類、名稱或大小）
	ErrInvalidRequest = errors.New("invalid request")
)

// UnsuitableCropError 作物不適合土地氣候；在任何區塊變更之前回傳
type UnsuitableCropError struct {
	Land    uuid.UUID
	Climate types.Climate
	Crop    types.Crop
}

func (e *UnsuitableCropError) Error() string {
	return fmt.Sprintf("crop %s is not suitable for climate %s of land %s", e.Crop, e.Climate, e.Land)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
