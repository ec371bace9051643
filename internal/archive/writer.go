package archive

/*
Файл writer.go реализует опциональный архив перехваченных событий.

Ключевые особенности архитектуры:
- Non-blocking Recording: реестр перехвата пишет в неблокирующий канал,
  задержки базы не влияют на Response Time приема событий.
- Batching & Efficiency: накопление записей в памяти и пакетная вставка
  (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается
  полностью; закрытие входного канала + sync.WaitGroup гарантируют
  Final Flush без потерь при перезагрузке.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/telemetry-relay/internal/domain"
	"github.com/xela07ax/telemetry-relay/internal/infra"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются записи.
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []domain.InterceptedEvent) error
}

// Writer — асинхронный батч-писатель. Реализует ledger.Sink.
type Writer struct {
	ch     chan domain.InterceptedEvent
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize int
	interval  time.Duration

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Record после Stop
	isClosed int32
}

func NewWriter(cfg infra.ArchiveConfig, repo StorageInterface, logger *zap.Logger) *Writer {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Writer{
		ch:        make(chan domain.InterceptedEvent, bufSize),
		repo:      repo,
		logger:    logger.Named("archive"),
		batchSize: batchSize,
		interval:  interval,
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (w *Writer) Stop() {
	atomic.StoreInt32(&w.isClosed, 1)

	// Крошечная пауза, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	w.logger.Info("stopping archive: closing channel and flushing buffer...")
	close(w.ch)
	w.wg.Wait()
	w.logger.Info("archive stopped gracefully")
}

// Record принимает запись из реестра. Стратегия Load Shedding:
// переполненный буфер роняет запись в лог, а не блокирует прием.
func (w *Writer) Record(entry domain.InterceptedEvent) {
	if atomic.LoadInt32(&w.isClosed) == 1 {
		w.logger.Warn("archive entry dropped: writer is stopping", zap.String("id", entry.ID))
		return
	}

	select {
	case w.ch <- entry:
	default:
		w.logger.Error("archive_buffer_overflow",
			zap.String("session_id", entry.SessionID),
			zap.String("id", entry.ID),
		)
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]domain.InterceptedEvent, 0, w.batchSize)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := w.repo.WriteBatch(context.Background(), batch); err != nil {
				w.logger.Error("archive flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case entry, ok := <-w.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки — финальный сброс
				flush()
				w.logger.Info("archive worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
