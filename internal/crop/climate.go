package crop

import "github.com/ChuLiYu/block-farming/pkg/types"

var allCrops = map[types.Crop]bool{
	types.Manioc: true, types.Rice: true, types.Yams: true,
	types.Grape: true, types.Tomato: true, types.Pumpkin: true,
	types.Kale: true, types.Spinach: true, types.Lettuce: true,
}

// 氣候 -> 可種植作物
var suitable = map[types.Climate]map[types.Crop]bool{
	types.Tropical:    {types.Manioc: true, types.Rice: true, types.Yams: true},
	types.Dry:         {types.Grape: true, types.Tomato: true, types.Pumpkin: true},
	types.Mild:        allCrops,
	types.Continental: allCrops,
	types.Polar:       {types.Kale: true, types.Spinach: true, types.Lettuce: true},
}

// IsEligible 作物是否可在此氣候下種植
func IsEligible(climate types.Climate, c types.Crop) bool {
	return suitable[climate][c]
}

// SuitableCrops 依作物數值排序列出此氣候可種植的作物
func SuitableCrops(climate types.Climate) []types.Crop {
	var out []types.Crop
	for _, c := range types.AllCrops {
		if suitable[climate][c] {
			out = append(out, c)
		}
	}
	return out
}
