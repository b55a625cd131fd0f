package database

import (
	"fmt"
	"os"
	"time"

	"mobilepay/internal/config"
	"mobilepay/internal/repository"
	"mobilepay/internal/repository/kvrepo"
	"mobilepay/internal/repository/sqlrepo"
	"mobilepay/pkg/logger"

	"github.com/dgraph-io/badger/v3"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const memoryPath = ":memory:"

// NewStore 按 database.driver 打开对应的存储后端
func NewStore(cfg *config.DatabaseConfig) (repository.Store, error) {
	if cfg.Driver == config.DriverBadger {
		db, err := OpenBadger(cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("[Database] Badger 打开成功", "path", cfg.Path)
		return kvrepo.New(db), nil
	}

	db, err := OpenGorm(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("[Database] 数据库连接成功", "driver", cfg.Driver)
	return sqlrepo.New(db), nil
}

// OpenGorm 打开关系型数据库并自动迁移表结构
func OpenGorm(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		dialector = mysql.Open(dsn)
	case config.DriverPostgres:
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
			cfg.Host, cfg.User, cfg.Password, cfg.Database, cfg.Port, cfg.SSLMode)
		dialector = postgres.Open(dsn)
	case config.DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = memoryPath
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %q", cfg.Driver)
	}

	logLevel := gormlogger.Warn
	if cfg.Debug {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置
	if cfg.Driver == config.DriverSQLite {
		// SQLite 同一时刻只允许一个写事务，内存库每个连接还是独立的库
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlrepo.Migrate(db); err != nil {
		return nil, fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return db, nil
}

// OpenBadger 打开 badger，path 为空或 ":memory:" 时使用内存模式
func OpenBadger(path string) (*badger.DB, error) {
	var options badger.Options
	if path == "" || path == memoryPath {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		options = badger.DefaultOptions(path)
	}
	options.Logger = nil

	return badger.Open(options)
}
