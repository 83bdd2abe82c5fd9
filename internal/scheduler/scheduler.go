package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job интерфейс для периодических задач
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// entry задача со своим интервалом
type entry struct {
	job      Job
	interval time.Duration
}

// Scheduler запускает каждую задачу в отдельной горутине со своим интервалом.
// Запуски одной задачи не перекрываются: следующий тик ждет окончания предыдущего.
type Scheduler struct {
	logger  *zap.Logger
	entries []entry
}

// NewScheduler создает новый планировщик задач
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		entries: make([]entry, 0),
	}
}

// AddJob добавляет задачу с интервалом запуска. Задача с неположительным интервалом не добавляется.
func (s *Scheduler) AddJob(job Job, interval time.Duration) {
	if interval <= 0 {
		s.logger.Warn("задача пропущена: некорректный интервал",
			zap.String("job", job.Name()),
			zap.Duration("interval", interval))
		return
	}
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Len количество зарегистрированных задач
func (s *Scheduler) Len() int {
	return len(s.entries)
}

// Start запускает все задачи и блокируется до отмены контекста и завершения задач
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("запуск планировщика задач", zap.Int("jobs_count", len(s.entries)))

	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	<-ctx.Done()
	wg.Wait()

	s.logger.Info("остановка планировщика задач")
}

// loop выполняет задачу сразу при старте и затем на каждом тике
func (s *Scheduler) loop(ctx context.Context, e entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	s.runJob(ctx, e.job)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, e.job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}

	s.logger.Debug("запуск задачи", zap.String("job", job.Name()))

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("ошибка выполнения задачи",
			zap.Error(err),
			zap.String("job", job.Name()),
			zap.Duration("duration", time.Since(start)))
	}
}
