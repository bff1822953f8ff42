package history

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// KlineRecord is a finalized bar as recorded by a collector.
type KlineRecord struct {
	ID uint `gorm:"primaryKey"`

	Symbol   string    `gorm:"type:text;not null;index:idx_symbol_interval_start,unique"`
	Interval string    `gorm:"type:varchar(10);not null;index:idx_symbol_interval_start,unique"`
	Start    time.Time `gorm:"not null;index:idx_symbol_interval_start,unique"`

	Open   float64 `gorm:"type:numeric;not null"`
	High   float64 `gorm:"type:numeric;not null"`
	Low    float64 `gorm:"type:numeric;not null"`
	Close  float64 `gorm:"type:numeric;not null"`
	Volume float64 `gorm:"type:numeric;not null"`
}

// TableName overrides the default table name for GORM.
func (KlineRecord) TableName() string {
	return "kline_record"
}

// PostgresSource reads bars from the kline_record table.
type PostgresSource struct {
	db *gorm.DB
}

// OpenPostgres connects with a libpq DSN.
func OpenPostgres(dsn string) (*PostgresSource, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	return &PostgresSource{db: db}, nil
}

// NewPostgresSource wraps an existing gorm handle.
func NewPostgresSource(db *gorm.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// AutoMigrate creates the kline_record table.
func (s *PostgresSource) AutoMigrate() error {
	return errors.Wrap(s.db.AutoMigrate(&KlineRecord{}), "auto-migrate kline table")
}

// Close releases the pool.
func (s *PostgresSource) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve raw DB")
	}
	return db.Close()
}

func (s *PostgresSource) FetchBars(ctx context.Context, req Request) ([]RawBar, error) {
	var records []KlineRecord
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND start BETWEEN ? AND ?",
			req.Symbol, req.Timeframe.Label(),
			time.Unix(req.From, 0).UTC(), time.Unix(req.To, 0).UTC()).
		Order("start ASC").
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "query kline_record")
	}

	bars := make([]RawBar, len(records))
	for i, r := range records {
		bars[i] = RawBar{
			Time:   r.Start.UnixMilli(),
			Open:   formatFloat(r.Open),
			High:   formatFloat(r.High),
			Low:    formatFloat(r.Low),
			Close:  formatFloat(r.Close),
			Volume: formatFloat(r.Volume),
		}
	}
	return bars, nil
}

func formatFloat(f float64) flexString {
	return flexString(strconv.FormatFloat(f, 'f', -1, 64))
}
