package storage

import "math"

// Аналитический движок отдаёт счётчики и идентификаторы как UInt64.
// Наружу уходит только int64, поэтому всё сужение собрано здесь,
// а не размазано по местам чтения.

// NarrowUint64 сужает беззнаковое 64-битное значение до int64 с насыщением.
func NarrowUint64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// NarrowInt сужает произвольное целое драйвера до int64.
// Неизвестные типы считаются нулём: драйверы из go.mod других вариантов не отдают.
func NarrowInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return NarrowUint64(n)
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		return NarrowUint64(uint64(n))
	case int16:
		return int64(n)
	case uint16:
		return int64(n)
	case int8:
		return int64(n)
	case uint8:
		return int64(n)
	default:
		return 0
	}
}
