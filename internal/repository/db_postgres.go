// Package repository contains the repository layer for the gateway API
package repository

import (
	"fmt"

	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SchemaName is the Postgres schema holding the gateway tables
var SchemaName = "api"

// ConnectPostgres connects to a Postgres database and returns a GORM database object
func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	zaplogger.Info(config.SingleLine)
	zaplogger.Info("Initializing Postgres")

	// Set up GORM logger
	var logLevel logger.LogLevel
	switch cfg.PostgresLogLevel {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	// Open database connection
	postgresDSN := cfg.PostgresDsn + " search_path=api,public"
	db, err := gorm.Open(postgres.Open(postgresDSN), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %v", err)
	}

	zaplogger.Info("  * connected")

	// Create the schema if it doesn't exist
	createSchemaSql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", SchemaName)
	if err := db.Exec(createSchemaSql).Error; err != nil {
		return nil, fmt.Errorf("failed to create schema: %v", err)
	}

	// AutoMigrate will create tables and add/modify columns
	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %v", err)
	}

	// The latest-tick snapshot table is high churn and disposable
	if err := setTickerDataTableAsUnlogged(db); err != nil {
		return nil, err
	}
	zaplogger.Info("  * table " + models.TickerDataTableName + " set as unlogged")

	if err := installAbuseFlagNotify(db); err != nil {
		return nil, err
	}

	return db, nil
}

// installAbuseFlagNotify creates the trigger that announces abuse-flag
// changes on the Postgres NOTIFY channel the publish service listens on
func installAbuseFlagNotify(db *gorm.DB) error {
	createFn := `
CREATE OR REPLACE FUNCTION api.notify_abuse_flag_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('CH:API:ABUSE:FLAGS', NEW.api_key);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`
	if err := db.Exec(createFn).Error; err != nil {
		return fmt.Errorf("failed to create abuse notify function: %v", err)
	}

	createTrigger := fmt.Sprintf(`
DROP TRIGGER IF EXISTS abuse_flag_notify ON %s.%s;
CREATE TRIGGER abuse_flag_notify
AFTER INSERT OR UPDATE ON %s.%s
FOR EACH ROW EXECUTE FUNCTION api.notify_abuse_flag_change()`,
		SchemaName, models.AbuseFlagsTableName, SchemaName, models.AbuseFlagsTableName)
	if err := db.Exec(createTrigger).Error; err != nil {
		return fmt.Errorf("failed to create abuse notify trigger: %v", err)
	}
	return nil
}

func autoMigrate(db *gorm.DB) error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{models.ApiKeysTableName, &models.ApiKeyModel{}},
		{models.AbuseFlagsTableName, &models.ApiKeyAbuseFlag{}},
		{models.AuditLogsTableName, &models.RequestAuditLog{}},
		{models.InstrumentsTableName, &models.InstrumentModel{}},
		{models.VortexInstrumentsTableName, &models.VortexInstrumentModel{}},
		{models.TickerDataTableName, &models.TickerData{}},
	}

	zaplogger.Info("  * migrating tables")
	for _, table := range tables {
		err := db.Table(SchemaName + "." + table.name).AutoMigrate(table.model)
		if err != nil {
			return fmt.Errorf("failed to auto migrate table: %s, err:%v", table.name, err)
		}
		zaplogger.Info("    - \"" + SchemaName + "." + table.name + "\"")
	}

	return nil
}

func setTickerDataTableAsUnlogged(db *gorm.DB) error {
	table := models.TickerDataTableName
	if err := db.Exec("ALTER TABLE " + table + " SET UNLOGGED").Error; err != nil {
		return fmt.Errorf("failed to set table as unlogged: %v", err)
	}
	return nil
}
