package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/sessionrelay/internal/config"
)

// startTasks launches the background maintenance loops. All of them exit on
// ctx cancellation and are waited for in Stop.
func (s *Service) startTasks(ctx context.Context) {
	if s.index == nil {
		return
	}

	if s.cfg.Database.VacuumOnStartup {
		if err := s.index.Vacuum(ctx); err != nil {
			slog.Warn("startup vacuum failed", "error", err)
		}
	}

	s.tasksWG.Add(1)
	go func() {
		defer s.tasksWG.Done()
		s.refreshLoop(ctx)
	}()

	if interval := s.cfg.Database.CheckpointInterval; interval > 0 {
		s.tasksWG.Add(1)
		go func() {
			defer s.tasksWG.Done()
			s.checkpointLoop(ctx, time.Duration(interval)*time.Second)
		}()
	}

	if s.cfg.Database.Backup.Enabled {
		s.tasksWG.Add(1)
		go func() {
			defer s.tasksWG.Done()
			s.backupLoop(ctx)
		}()
	}
}

// refreshLoop runs the initial build when the index is empty, then refreshes
// on the cron schedule when one is configured, otherwise on a fixed interval.
func (s *Service) refreshLoop(ctx context.Context) {
	if stats, err := s.index.Stats(ctx); err == nil && stats.Sessions == 0 {
		if err := s.RefreshIndex(ctx); err != nil {
			slog.Warn("initial index build failed", "error", err)
		}
	}

	if expr := s.cfg.Index.RefreshSchedule; expr != "" {
		s.cronRefreshLoop(ctx, expr)
		return
	}

	interval := time.Duration(s.cfg.Index.RefreshInterval) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshIndex(ctx); err != nil {
				slog.Warn("index refresh failed", "error", err)
			}
		}
	}
}

func (s *Service) cronRefreshLoop(ctx context.Context, expr string) {
	for {
		next, err := gronx.NextTick(expr, false)
		if err != nil {
			slog.Error("refresh schedule unusable", "schedule", expr, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if err := s.RefreshIndex(ctx); err != nil {
				slog.Warn("scheduled index refresh failed", "error", err)
			}
		}
	}
}

func (s *Service) checkpointLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.index.Checkpoint(ctx); err != nil {
				slog.Warn("wal checkpoint failed", "error", err)
			}
		}
	}
}

// backupLoop takes a backup at startup and then daily, rotating old copies.
func (s *Service) backupLoop(ctx context.Context) {
	dir := config.ExpandHome(s.cfg.Database.Backup.Path)
	if dir == "" {
		dir = filepath.Join(config.ExpandHome(s.cfg.Database.StateDir), "backups")
	}
	keep := s.cfg.Database.Backup.KeepCount

	backup := func() {
		path, err := s.index.Backup(ctx, dir, keep)
		if err != nil {
			slog.Warn("index backup failed", "error", err)
			return
		}
		slog.Info("index backed up", "path", path)
	}

	backup()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backup()
		}
	}
}
