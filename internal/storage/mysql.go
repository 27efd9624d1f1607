package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/config"
	"github.com/geotrust/presence-backend/internal/geo"
	"github.com/geotrust/presence-backend/internal/models"
)

// Точность geohash для индексации магазинов: ячейка ~5x5 км покрывает
// любой разумный радиус поиска ближайших зон
const targetGeohashPrecision = 5

// MySQLTargetRepository каталог целевых геозон поверх MySQL
type MySQLTargetRepository struct {
	db     *sql.DB
	logger *logrus.Logger
	config *config.MySQLConfig
}

// NewMySQLTargetRepository создает новый MySQL репозиторий зон
func NewMySQLTargetRepository(cfg *config.MySQLConfig, logger *logrus.Logger) (*MySQLTargetRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mysql config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	return &MySQLTargetRepository{
		db:     db,
		logger: logger,
		config: cfg,
	}, nil
}

// Ping проверяет соединение с MySQL
func (r *MySQLTargetRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close закрывает соединение с MySQL
func (r *MySQLTargetRepository) Close() error {
	return r.db.Close()
}

// GetTarget возвращает зону по идентификатору
func (r *MySQLTargetRepository) GetTarget(ctx context.Context, id string) (*models.GeofenceTarget, error) {
	query := `
		SELECT id, name, latitude, longitude, radius_m, strict_mode
		FROM geofence_target
		WHERE id = ?
	`

	var target models.GeofenceTarget
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&target.ID,
		&target.Name,
		&target.Position.Latitude,
		&target.Position.Longitude,
		&target.RadiusM,
		&target.StrictMode,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("target not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query target: %w", err)
	}

	return &target, nil
}

// GetTargetsInRadius возвращает зоны в радиусе от центра.
// Префильтр по индексированной колонке geohash ячейками покрытия
// окружности, затем точный haversine по оставшимся строкам.
func (r *MySQLTargetRepository) GetTargetsInRadius(ctx context.Context, center models.GeoPoint, radiusM float64) ([]*models.GeofenceTarget, error) {
	cells := geo.Cover(center.Latitude, center.Longitude, radiusM, targetGeohashPrecision)

	query := fmt.Sprintf(`
		SELECT id, name, latitude, longitude, radius_m, strict_mode
		FROM geofence_target
		WHERE geohash IN (%s)
	`, strings.TrimSuffix(strings.Repeat("?,", len(cells)), ","))

	args := make([]interface{}, len(cells))
	for i, cell := range cells {
		args[i] = cell
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var targets []*models.GeofenceTarget
	for rows.Next() {
		var target models.GeofenceTarget
		err := rows.Scan(
			&target.ID,
			&target.Name,
			&target.Position.Latitude,
			&target.Position.Longitude,
			&target.RadiusM,
			&target.StrictMode,
		)
		if err != nil {
			r.logger.WithField("error", err).Warn("Failed to scan target row")
			continue
		}

		if center.DistanceTo(target.Position) <= radiusM {
			targets = append(targets, &target)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("target rows iteration failed: %w", err)
	}

	return targets, nil
}

// SaveTarget добавляет или обновляет зону
func (r *MySQLTargetRepository) SaveTarget(ctx context.Context, target *models.GeofenceTarget) error {
	if err := target.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO geofence_target (id, name, latitude, longitude, radius_m, strict_mode, geohash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			latitude = VALUES(latitude),
			longitude = VALUES(longitude),
			radius_m = VALUES(radius_m),
			strict_mode = VALUES(strict_mode),
			geohash = VALUES(geohash),
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		target.ID,
		target.Name,
		target.Position.Latitude,
		target.Position.Longitude,
		target.RadiusM,
		target.StrictMode,
		target.Position.Geohash(targetGeohashPrecision),
	)
	if err != nil {
		return fmt.Errorf("failed to save target: %w", err)
	}

	return nil
}

// DeleteTarget удаляет зону из каталога
func (r *MySQLTargetRepository) DeleteTarget(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM geofence_target WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("target not found: %s", id)
	}
	return nil
}
