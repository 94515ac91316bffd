package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-practice/internal/config"
	"github.com/stemsi/exstem-practice/internal/logger"
	"github.com/stemsi/exstem-practice/internal/service"
	"golang.org/x/term"
)

const defaultSecret = "change-this-to-a-secure-random-string"

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.SetupTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Fprintln(os.Stderr, "=== Mint Student Token ===")

	// Student ID
	studentID, err := promptInt(reader, "Enter Student ID: ", 0)
	if err != nil || studentID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: Student ID must be a positive number")
		return
	}

	// Class ID
	classID, err := promptInt(reader, "Enter Class ID (default 0): ", 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: Class ID must be a number")
		return
	}

	// TTL
	hours, err := promptInt(reader, "Enter validity in hours (default 4): ", 4)
	if err != nil || hours <= 0 {
		fmt.Fprintln(os.Stderr, "Error: validity must be a positive number of hours")
		return
	}

	// Secret
	if cfg.JWTSecret == defaultSecret {
		fmt.Fprint(os.Stderr, "JWT_SECRET is the default, enter the shared secret (blank keeps it): ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error reading secret")
			return
		}
		if s := strings.TrimSpace(string(secret)); s != "" {
			cfg.JWTSecret = s
		}
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	token, err := authService.SignStudentToken(studentID, classID, time.Duration(hours)*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().
		Int("student_id", studentID).
		Int("class_id", classID).
		Int("hours", hours).
		Msg("Student token minted")

	// Token alone on stdout so it can be captured: PRACTICE_TOKEN=$(devtoken)
	fmt.Println(token)
}

func promptInt(reader *bufio.Reader, label string, fallback int) (int, error) {
	fmt.Fprint(os.Stderr, label)
	raw, _ := reader.ReadString('\n')
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
