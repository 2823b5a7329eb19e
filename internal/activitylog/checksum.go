package activitylog

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算紀錄內容（不含 Checksum 欄位）的 CRC32-IEEE
func CalculateChecksum(r Record) (uint32, error) {
	r.Checksum = 0
	data, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

// VerifyChecksum 回傳預期的校驗和，以及是否與紀錄相符
func VerifyChecksum(r Record) (uint32, bool) {
	expected, err := CalculateChecksum(r)
	if err != nil {
		return 0, false
	}
	return expected, expected == r.Checksum
}
