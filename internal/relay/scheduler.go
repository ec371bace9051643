package relay

import "time"

// Scheduler абстрагирует отложенный запуск, чтобы логику флашей и ретраев
// можно было тестировать без настоящих wall-clock задержек.
type Scheduler interface {
	// Schedule запускает fn через d и возвращает функцию отмены.
	Schedule(d time.Duration, fn func()) (cancel func())
}

// TimerScheduler — боевая реализация поверх time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
