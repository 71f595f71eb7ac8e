package queue

import "time"

// BackoffPolicy — общая для всех трёх задач лестница ретраев:
// attempt -> задержка перед следующим запуском. Исчерпание бюджета
// решает Exhausted, а не магические числа в обработчиках.
type BackoffPolicy struct {
	Delays []time.Duration
}

// DefaultBackoff: 1, 5, 15 минут.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Delays: []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}}
}

// Delay возвращает задержку после неудачи номер attempt (считая с нуля).
// За пределами лестницы — последняя ступень.
func (p BackoffPolicy) Delay(attempt int32) time.Duration {
	if len(p.Delays) == 0 {
		return time.Minute
	}
	if int(attempt) >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	if attempt < 0 {
		attempt = 0
	}
	return p.Delays[attempt]
}

// Exhausted сообщает, что все ступени лестницы уже использованы.
func (p BackoffPolicy) Exhausted(attempts int32) bool {
	return int(attempts) >= len(p.Delays)
}

// MaxAttempts — сколько неудач допускается до эскалации.
func (p BackoffPolicy) MaxAttempts() int32 {
	return int32(len(p.Delays))
}
