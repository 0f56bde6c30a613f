// Package validation содержит проверки бизнес-правил изменения баланса.
package validation

import "errors"

// ErrInsufficientFunds возвращается, если списание опустило бы баланс ниже нуля.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrZeroDelta возвращается для запроса с нулевой дельтой.
	ErrZeroDelta = errors.New("adjustment delta must be non-zero")
)

// CheckAdjustment проверяет, что применение дельты к текущему балансу допустимо.
// Функция чистая и вызывается заново после каждого перечтения баланса,
// поскольку баланс мог измениться конкурентным писателем.
func CheckAdjustment(balanceCents, deltaCents int64) error {
	if deltaCents == 0 {
		return ErrZeroDelta
	}
	if balanceCents+deltaCents < 0 {
		return ErrInsufficientFunds
	}
	return nil
}
