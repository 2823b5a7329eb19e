package blockstore

import (
	"fmt"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

// 合法的狀態轉換
//
//	Available -> ScheduledSow -> Occupied -> ScheduledHarvest -> Available
//	                             Occupied -> ScheduledClean   -> Available
var transitions = map[types.Status][]types.Status{
	types.StatusAvailable:        {types.StatusScheduledSow},
	types.StatusScheduledSow:     {types.StatusOccupied},
	types.StatusOccupied:         {types.StatusScheduledHarvest, types.StatusScheduledClean},
	types.StatusScheduledHarvest: {types.StatusAvailable},
	types.StatusScheduledClean:   {types.StatusAvailable},
}

// CanTransition from -> to 是否為合法轉換
func CanTransition(from, to types.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition 前置條件中的每個狀態都必須能轉換到 next
func checkTransition(expect Expect, next types.Status) error {
	if len(expect.Statuses) == 0 {
		return fmt.Errorf("%w: no expected status", ErrIllegalTransition)
	}
	for _, from := range expect.Statuses {
		if !CanTransition(from, next) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
		}
	}
	return nil
}

// CheckPayload 驗證區塊欄位的有無符合其狀態
//
//	Status            crop  sowTime  matureTime  harvestAmount
//	Available         -     -        -           -
//	ScheduledSow      set   -        -           -
//	Occupied          set   set      set         set
//	ScheduledHarvest  set   set      set         set
//	ScheduledClean    any   any      any         any
func CheckPayload(b types.Block) error {
	crop := b.Crop != types.CropNone
	sow := b.SowTime != nil
	mature := b.MatureTime != nil
	amount := b.HarvestAmount != nil

	var ok bool
	switch b.Status {
	case types.StatusAvailable:
		ok = !crop && !sow && !mature && !amount
	case types.StatusScheduledSow:
		ok = crop && !sow && !mature && !amount
	case types.StatusOccupied, types.StatusScheduledHarvest:
		ok = crop && sow && mature && amount
	case types.StatusScheduledClean:
		ok = true
	default:
		return fmt.Errorf("%w: unknown status %d", ErrInvalidPayload, int(b.Status))
	}
	if !ok {
		return fmt.Errorf("%w: block %s status %s (crop=%t sow=%t mature=%t amount=%t)",
			ErrInvalidPayload, b.ID(), b.Status, crop, sow, mature, amount)
	}
	if crop && !b.Crop.Valid() {
		return fmt.Errorf("%w: block %s has unknown crop %d", ErrInvalidPayload, b.ID(), int(b.Crop))
	}
	return nil
}

// validateUpdate 條件式更新前的共同檢查
func validateUpdate(next types.Block, expect Expect) error {
	if err := checkTransition(expect, next.Status); err != nil {
		return err
	}
	return CheckPayload(next)
}
