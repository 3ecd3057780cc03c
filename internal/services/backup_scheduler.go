package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/drivepool/backend/internal/config"
	"github.com/drivepool/backend/internal/database"
	"github.com/drivepool/backend/internal/models"
)

const backupMagicHeader = "DRIVEPOOL_ENCRYPTED_V1\n"

// BackupSchedulerService handles scheduled backups of the pool metadata
// database. The pool's bytes live on backend drives; losing the metadata
// database loses the map to them, so it gets its own protection.
type BackupSchedulerService struct {
	cfg       *config.Config
	backupDir string
	stopChan  chan struct{}
}

// NewBackupSchedulerService creates a new backup scheduler service
func NewBackupSchedulerService(cfg *config.Config) *BackupSchedulerService {
	backupDir := "/var/backups/drivepool"
	os.MkdirAll(backupDir, 0755)
	return &BackupSchedulerService{
		cfg:       cfg,
		backupDir: backupDir,
		stopChan:  make(chan struct{}),
	}
}

// Start starts the backup scheduler
func (s *BackupSchedulerService) Start() {
	log.Println("BackupSchedulerService started, checking every 1 minute")

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	// Initial check
	s.checkSchedules()

	for {
		select {
		case <-s.stopChan:
			log.Println("BackupSchedulerService stopped")
			return
		case <-ticker.C:
			s.checkSchedules()
		}
	}
}

// Stop stops the backup scheduler
func (s *BackupSchedulerService) Stop() {
	close(s.stopChan)
}

// checkSchedules checks all schedules and runs due backups
func (s *BackupSchedulerService) checkSchedules() {
	var schedules []models.BackupSchedule
	if err := database.DB.Where("is_enabled = ?", true).Find(&schedules).Error; err != nil {
		log.Printf("BackupScheduler: Failed to load schedules: %v", err)
		return
	}

	now := time.Now()
	for _, schedule := range schedules {
		if s.isDue(&schedule, now) {
			go s.runBackup(&schedule)
		}
	}
}

// isDue checks if a schedule is due to run
func (s *BackupSchedulerService) isDue(schedule *models.BackupSchedule, now time.Time) bool {
	// Parse time of day
	hour, minute := 2, 0 // default 02:00
	if schedule.TimeOfDay != "" {
		fmt.Sscanf(schedule.TimeOfDay, "%d:%d", &hour, &minute)
	}

	// Check if it's the right time (within 1 minute window)
	if now.Hour() != hour || now.Minute() != minute {
		return false
	}

	// A schedule that already ran in this minute is not due again
	if schedule.LastRunAt != nil && now.Sub(*schedule.LastRunAt) < time.Minute {
		return false
	}

	switch schedule.Frequency {
	case "daily":
		return true
	case "weekly":
		return int(now.Weekday()) == schedule.DayOfWeek
	}

	return false
}

// runBackup executes a scheduled backup
func (s *BackupSchedulerService) runBackup(schedule *models.BackupSchedule) {
	startTime := time.Now()

	// Update status to running
	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status": "running",
		"last_run_at": startTime,
	})

	// Create backup log entry
	backupLog := models.BackupLog{
		ScheduleID:   &schedule.ID,
		ScheduleName: schedule.Name,
		Status:       "running",
		StartedAt:    startTime,
	}
	database.DB.Create(&backupLog)

	// Generate filenames
	timestamp := startTime.Format("20060102_150405")
	tempFile := filepath.Join(s.backupDir, fmt.Sprintf(".temp_%s.dump", timestamp))
	filename := fmt.Sprintf("drivepool_%s.dpbak", timestamp)
	localPath := filepath.Join(s.backupDir, filename)

	// Run pg_dump with custom format
	if err := s.createDatabaseBackup(tempFile); err != nil {
		s.handleBackupError(schedule, &backupLog, err, startTime)
		return
	}

	// Encrypt the backup
	err := s.EncryptFile(tempFile, localPath)
	os.Remove(tempFile)
	if err != nil {
		s.handleBackupError(schedule, &backupLog, fmt.Errorf("encryption failed: %v", err), startTime)
		return
	}

	// Get file info
	fileInfo, err := os.Stat(localPath)
	if err != nil {
		s.handleBackupError(schedule, &backupLog, err, startTime)
		return
	}

	backupLog.Filename = filename
	backupLog.FileSize = fileInfo.Size()
	backupLog.StoragePath = localPath

	// Upload to FTP if a destination is configured
	if schedule.FTPHost != "" {
		if err := s.uploadToFTP(schedule, localPath, filename); err != nil {
			log.Printf("BackupScheduler: FTP upload failed for %s: %v", schedule.Name, err)
			backupLog.ErrorMessage = fmt.Sprintf("Local backup succeeded, FTP failed: %v", err)
		} else {
			backupLog.StoragePath = fmt.Sprintf("local:%s, ftp:%s/%s", localPath, schedule.FTPPath, filename)
		}
	}

	// Delete old backups based on retention policy
	if schedule.Retention > 0 {
		s.cleanOldBackups(schedule)
	}

	// Update schedule status
	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status":      "success",
		"last_error":       "",
		"last_backup_file": filename,
	})

	// Complete backup log
	backupLog.Status = "success"
	backupLog.Duration = int(time.Since(startTime).Seconds())
	database.DB.Save(&backupLog)

	log.Printf("BackupScheduler: Backup completed for %s (%s, %d bytes)",
		schedule.Name, filename, fileInfo.Size())
}

// createDatabaseBackup dumps the metadata database in custom format
func (s *BackupSchedulerService) createDatabaseBackup(destPath string) error {
	cmd := exec.Command("pg_dump",
		"-h", s.cfg.DBHost,
		"-p", strconv.Itoa(s.cfg.DBPort),
		"-U", s.cfg.DBUser,
		"-d", s.cfg.DBName,
		"-Fc", // Custom format (compressed, binary)
		"-f", destPath,
		"--no-owner",
		"--no-acl",
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", s.cfg.DBPassword))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err.Error(), string(output))
	}
	return nil
}

// uploadToFTP uploads a file to the schedule's FTP server
func (s *BackupSchedulerService) uploadToFTP(schedule *models.BackupSchedule, localPath, filename string) error {
	addr := fmt.Sprintf("%s:%d", schedule.FTPHost, schedule.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("FTP connection failed: %v", err)
	}
	defer conn.Quit()

	if err := conn.Login(schedule.FTPUsername, schedule.FTPPassword); err != nil {
		return fmt.Errorf("FTP login failed: %v", err)
	}

	// Change to backup directory (create if needed)
	if schedule.FTPPath != "" && schedule.FTPPath != "/" {
		if err := conn.ChangeDir(schedule.FTPPath); err != nil {
			conn.MakeDir(schedule.FTPPath)
			if err := conn.ChangeDir(schedule.FTPPath); err != nil {
				return fmt.Errorf("FTP directory change failed: %v", err)
			}
		}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %v", err)
	}
	defer file.Close()

	if err := conn.Stor(filename, file); err != nil {
		return fmt.Errorf("FTP upload failed: %v", err)
	}

	log.Printf("BackupScheduler: Uploaded %s to FTP %s", filename, schedule.FTPHost)
	return nil
}

// cleanOldBackups removes backups older than the retention period
func (s *BackupSchedulerService) cleanOldBackups(schedule *models.BackupSchedule) {
	cutoff := time.Now().AddDate(0, 0, -schedule.Retention)

	// Clean local backups
	files, err := os.ReadDir(s.backupDir)
	if err != nil {
		return
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		name := file.Name()
		if info.ModTime().Before(cutoff) && strings.HasSuffix(name, ".dpbak") {
			os.Remove(filepath.Join(s.backupDir, name))
			log.Printf("BackupScheduler: Deleted old backup %s", name)
		}
	}

	// Clean FTP backups if a destination is configured
	if schedule.FTPHost != "" {
		s.cleanOldFTPBackups(schedule, cutoff)
	}
}

// cleanOldFTPBackups removes old backups from the FTP server
func (s *BackupSchedulerService) cleanOldFTPBackups(schedule *models.BackupSchedule, cutoff time.Time) {
	addr := fmt.Sprintf("%s:%d", schedule.FTPHost, schedule.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return
	}
	defer conn.Quit()

	if err := conn.Login(schedule.FTPUsername, schedule.FTPPassword); err != nil {
		return
	}

	if schedule.FTPPath != "" && schedule.FTPPath != "/" {
		conn.ChangeDir(schedule.FTPPath)
	}

	entries, err := conn.List("")
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.Type == ftp.EntryTypeFile && entry.Time.Before(cutoff) {
			if strings.HasSuffix(entry.Name, ".dpbak") {
				conn.Delete(entry.Name)
				log.Printf("BackupScheduler: Deleted old FTP backup %s", entry.Name)
			}
		}
	}
}

// handleBackupError records a failed backup run
func (s *BackupSchedulerService) handleBackupError(schedule *models.BackupSchedule, backupLog *models.BackupLog, err error, startTime time.Time) {
	log.Printf("BackupScheduler: Backup failed for %s: %v", schedule.Name, err)

	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status": "failed",
		"last_error":  err.Error(),
	})

	backupLog.Status = "failed"
	backupLog.ErrorMessage = err.Error()
	backupLog.Duration = int(time.Since(startTime).Seconds())
	database.DB.Save(backupLog)
}

// RunManualBackup runs a one-off backup outside any schedule
func (s *BackupSchedulerService) RunManualBackup(schedule *models.BackupSchedule) (*models.BackupLog, error) {
	startTime := time.Now()

	backupLog := models.BackupLog{
		Status:    "running",
		StartedAt: startTime,
	}
	if schedule != nil {
		backupLog.ScheduleID = &schedule.ID
		backupLog.ScheduleName = schedule.Name
	}
	database.DB.Create(&backupLog)

	timestamp := startTime.Format("20060102_150405")
	tempFile := filepath.Join(s.backupDir, fmt.Sprintf(".temp_%s.dump", timestamp))
	filename := fmt.Sprintf("drivepool_%s_manual.dpbak", timestamp)
	localPath := filepath.Join(s.backupDir, filename)

	if err := s.createDatabaseBackup(tempFile); err != nil {
		backupLog.Status = "failed"
		backupLog.ErrorMessage = err.Error()
		database.DB.Save(&backupLog)
		return &backupLog, err
	}

	err := s.EncryptFile(tempFile, localPath)
	os.Remove(tempFile)
	if err != nil {
		backupLog.Status = "failed"
		backupLog.ErrorMessage = fmt.Sprintf("Encryption failed: %v", err)
		database.DB.Save(&backupLog)
		return &backupLog, err
	}

	fileInfo, _ := os.Stat(localPath)
	backupLog.Filename = filename
	backupLog.FileSize = fileInfo.Size()
	backupLog.StoragePath = localPath

	if schedule != nil && schedule.FTPHost != "" {
		if err := s.uploadToFTP(schedule, localPath, filename); err != nil {
			backupLog.ErrorMessage = fmt.Sprintf("Local backup succeeded, FTP failed: %v", err)
		}
	}

	backupLog.Status = "success"
	backupLog.Duration = int(time.Since(startTime).Seconds())
	database.DB.Save(&backupLog)

	return &backupLog, nil
}

// TestFTPConnection tests FTP connection with given credentials
func TestFTPConnection(host string, port int, username, password, path string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return fmt.Errorf("connection failed: %v", err)
	}
	defer conn.Quit()

	if err := conn.Login(username, password); err != nil {
		return fmt.Errorf("login failed: %v", err)
	}

	if path != "" && path != "/" {
		if err := conn.ChangeDir(path); err != nil {
			if err := conn.MakeDir(path); err != nil {
				return fmt.Errorf("cannot access or create directory %s: %v", path, err)
			}
		}
	}

	return nil
}

// deriveEncryptionKey derives a 32-byte key from the database password and a
// salt. Backups can only be decrypted with knowledge of the DB password.
func (s *BackupSchedulerService) deriveEncryptionKey() []byte {
	salt := "DrivePool-Backup-Encryption"
	combined := s.cfg.DBPassword + salt
	hash := sha256.Sum256([]byte(combined))
	return hash[:]
}

// EncryptFile encrypts a file using AES-256-GCM
func (s *BackupSchedulerService) EncryptFile(inputPath, outputPath string) error {
	plaintext, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input file: %v", err)
	}

	key := s.deriveEncryptionKey()

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %v", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %v", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to create nonce: %v", err)
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	output := append([]byte(backupMagicHeader), ciphertext...)
	if err := os.WriteFile(outputPath, output, 0600); err != nil {
		return fmt.Errorf("failed to write encrypted file: %v", err)
	}

	return nil
}

// DecryptFile decrypts a file encrypted with EncryptFile
func (s *BackupSchedulerService) DecryptFile(inputPath, outputPath string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read encrypted file: %v", err)
	}

	header := []byte(backupMagicHeader)
	if len(data) < len(header) || string(data[:len(header)]) != backupMagicHeader {
		return fmt.Errorf("invalid encrypted file format")
	}
	ciphertext := data[len(header):]

	key := s.deriveEncryptionKey()

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %v", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %v", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decryption failed: %v", err)
	}

	if err := os.WriteFile(outputPath, plaintext, 0600); err != nil {
		return fmt.Errorf("failed to write decrypted file: %v", err)
	}

	return nil
}
