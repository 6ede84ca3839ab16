package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"audiodrive/internal/auth"
	"audiodrive/internal/config"
	"audiodrive/internal/events"
	"audiodrive/internal/handler"
	"audiodrive/internal/repository"
	"audiodrive/internal/service"
	"audiodrive/internal/service/s3"
)

func connectWithRetry(cfg *config.Config, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	dsn := cfg.Database.GetDSN()

	// Сначала подключаемся к системной базе postgres
	pgDSN := strings.Replace(dsn, "dbname="+cfg.Database.Name, "dbname=postgres", 1)
	pgDB, err := sqlx.Connect("postgres", pgDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database: %v", err)
	}
	defer pgDB.Close()

	// Проверяем, существует ли целевая база
	var exists bool
	err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Database.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %v", err)
	}

	// Если базы нет, создаем её
	if !exists {
		log.Printf("Database %s does not exist, creating...", cfg.Database.Name)
		_, err = pgDB.Exec(fmt.Sprintf("CREATE DATABASE %s", cfg.Database.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %v", err)
		}
	}

	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			return db, nil
		}

		log.Printf("Failed to connect to database (attempt %d/%d): %v", i+1, maxAttempts, err)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %v", maxAttempts, err)
}

func runMigrations(cfg *config.Config) error {
	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	var m *migrate.Migrate
	var err error

	for i := 0; i < 5; i++ {
		m, err = migrate.New("file://migrations", databaseURL)
		if err == nil {
			break
		}
		log.Printf("Failed to create migrate instance (attempt %d/5): %v", i+1, err)
		time.Sleep(time.Second * 5)
	}

	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Printf("Found dirty database state at version %d, attempting to force version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func main() {
	// Загружаем конфигурации
	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	auth.Init(appConfig.Auth.JWTSecret)

	// Подключаемся к базе данных
	db, err := connectWithRetry(appConfig, 5, time.Second*5)
	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	defer db.Close()

	if err := runMigrations(appConfig); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Инициализация S3 клиента
	s3Config, err := s3.NewConfig(".s3.env")
	if err != nil {
		log.Fatalf("Failed to load S3 config: %v", err)
	}

	s3Client, err := s3.NewClient(s3Config)
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}

	// Подключение к NATS. Без брокера сервис работает, события не уходят
	publisher := events.Disabled()
	if appConfig.NATS.URL != "" {
		publisher, err = events.Connect(appConfig.NATS.URL)
		if err != nil {
			log.Printf("Failed to connect to NATS, events disabled: %v", err)
			publisher = events.Disabled()
		}
	}
	defer publisher.Close()

	// Инициализация репозиториев
	quotaRepo := repository.NewQuotaRepository(db)
	assetRepo := repository.NewAssetRepository(db)
	folderRepo := repository.NewFolderRepository(db)
	trashRepo := repository.NewTrashRepository(db)

	// Инициализация сервисов
	quotaService := service.NewQuotaService(quotaRepo)
	assetService := service.NewAssetService(assetRepo, folderRepo, s3Client, publisher)
	folderService := service.NewFolderService(folderRepo, assetRepo)
	trashService := service.NewTrashService(trashRepo, assetService)
	accessService := service.NewAccessService(assetRepo, folderRepo, quotaService, publisher)
	cloneService := service.NewCloneService(assetRepo, folderRepo, accessService, s3Client, publisher)
	sweeperService := service.NewSweeperService(assetRepo, assetService, quotaService, s3Client, appConfig.Sweeper.Interval)

	// Инициализация обработчиков
	assetHandler := handler.NewAssetHandler(assetService, cloneService)
	folderHandler := handler.NewFolderHandler(folderService)
	accessHandler := handler.NewAccessHandler(accessService, s3Client)
	quotaHandler := handler.NewQuotaHandler(quotaService)
	trashHandler := handler.NewTrashHandler(trashService)

	// Настройка маршрутизатора
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range", "X-Resource-Password"},
		ExposedHeaders:   []string{"Link", "Content-Disposition", "Content-Range", "Accept-Ranges"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("Incoming request: %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})

	// HTTP маршруты
	r.Route("/v1", func(r chi.Router) {
		r.Post("/assets", assetHandler.UploadAssets)
		r.Get("/assets", assetHandler.ListAssets)

		r.Route("/assets/{uuid}", func(r chi.Router) {
			r.Get("/", assetHandler.GetAsset)
			r.Delete("/", assetHandler.DeleteAsset)
			r.Put("/rename", assetHandler.RenameAsset)
			r.Put("/move", assetHandler.MoveAsset)
			r.Put("/visibility", assetHandler.SetVisibility)
			r.Put("/expiration", assetHandler.SetExpiration)
			r.Put("/password", assetHandler.SetPassword)
			r.Post("/share", assetHandler.EnableSharing)
			r.Delete("/share", assetHandler.DisableSharing)
			r.Post("/like", assetHandler.LikeAsset)
			r.Post("/clone", assetHandler.CloneAsset)
			r.Get("/stream", accessHandler.StreamAsset)
		})

		r.Get("/root", folderHandler.GetRoot)
		r.Post("/folders", folderHandler.CreateFolder)
		r.Route("/folders/{id}", func(r chi.Router) {
			r.Get("/", folderHandler.GetFolderContent)
			r.Delete("/", folderHandler.DeleteFolder)
			r.Put("/rename", folderHandler.RenameFolder)
			r.Put("/move", folderHandler.MoveFolder)
			r.Put("/visibility", folderHandler.SetVisibility)
			r.Put("/password", folderHandler.SetPassword)
			r.Post("/share", folderHandler.EnableSharing)
			r.Delete("/share", folderHandler.DisableSharing)
		})

		r.Route("/share", func(r chi.Router) {
			r.Get("/{token}", accessHandler.StreamByToken)
			r.Get("/folder/{token}", accessHandler.GetSharedFolder)
		})

		r.Route("/trash", func(r chi.Router) {
			r.Get("/", trashHandler.GetTrashItems)
			r.Get("/settings", trashHandler.GetSettings)
			r.Put("/settings", trashHandler.UpdateSettings)
			r.Post("/{uuid}/restore", trashHandler.RestoreAsset)
			r.Delete("/{uuid}", trashHandler.PurgeAsset)
		})

		r.Route("/quota", func(r chi.Router) {
			r.Get("/", quotaHandler.GetQuota)
			r.Put("/limits", quotaHandler.UpdateLimits)
			r.Post("/recalculate", quotaHandler.Recalculate)
		})
	})

	// Создаем HTTP сервер
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler: r,
	}

	// Канал для сигналов завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Запускаем HTTP сервер
	go func() {
		log.Printf("Starting HTTP server on port %s", appConfig.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Запускаем периодическую чистку: истечение сроков, ролловер
	// трафика, окончательное удаление из корзины
	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	sweeperService.Start(sweeperCtx)

	// Ожидаем сигнал завершения
	<-quit
	log.Println("Shutting down servers...")

	sweeperCancel()
	sweeperService.Stop()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}

	if err := db.Close(); err != nil {
		log.Printf("Error closing database connection: %v", err)
	}

	log.Println("Server exited properly")
}
