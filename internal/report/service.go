package report

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"
	"github.com/signintech/gopdf"

	"medical-intake/internal/consultation"
)

const (
	noConversation   = "No follow-up questions recorded"
	noRecommendation = "No recommendations generated"
)

var prescriptionTemplate = template.Must(template.New("prescription").Parse(`Date: {{.Date}}
Time: {{.Time}}

------ Patient Details --------
Age: {{.Age}}
Gender: {{.Gender}}

------ Notes --------
Initial complaint:
{{.Complaint}}

Follow-up:
{{.Conversation}}

------ Diagnosis & Recommendation --------
{{.Recommendation}}

------------
DISCLAIMER: This is an AI-generated consultation.
Please consult a licensed physician for proper diagnosis
`))

type TelegramClient interface {
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName string) error
}

type Options struct {
	OutputDir    string
	FontPath     string
	DoctorChatID int64
	Logger       *slog.Logger
	Now          func() time.Time
}

// Service renders prescriptions for completed sessions, stores them under
// OutputDir and optionally forwards them to the doctor's Telegram chat.
type Service struct {
	tgClient TelegramClient
	opts     Options
	log      *slog.Logger
}

func NewService(tg TelegramClient, opts Options) *Service {
	if opts.OutputDir == "" {
		opts.OutputDir = "prescriptions"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{tgClient: tg, opts: opts, log: opts.Logger}
}

// Format renders the plain-text prescription.
func (s *Service) Format(sess consultation.Session) (string, error) {
	now := s.opts.Now()

	conversation := noConversation
	if len(sess.Conversation) > 0 {
		lines := make([]string, 0, len(sess.Conversation))
		for i, turn := range sess.Conversation {
			lines = append(lines, fmt.Sprintf("\nQuestion %d: %s\nResponse: %s", i+1, localizedQuestion(sess, i), turn.Answer))
		}
		conversation = strings.Join(lines, "\n")
	}

	recommendation := noRecommendation
	if sess.RecommendationText != nil && *sess.RecommendationText != "" {
		recommendation = *sess.RecommendationText
	}

	var buf bytes.Buffer
	err := prescriptionTemplate.Execute(&buf, map[string]any{
		"Date":           now.Format("2006-01-02"),
		"Time":           now.Format("15:04"),
		"Age":            sess.Patient.Age,
		"Gender":         sess.Patient.Gender,
		"Complaint":      sess.InitialComplaint,
		"Conversation":   conversation,
		"Recommendation": recommendation,
	})
	if err != nil {
		return "", errors.Wrap(err, "render prescription")
	}
	return buf.String(), nil
}

// Generate implements consultation.PrescriptionWriter. The returned reference
// is the path of the stored document.
func (s *Service) Generate(ctx context.Context, sess consultation.Session) (string, error) {
	content, err := s.Format(sess)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.opts.OutputDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create prescription dir")
	}

	name := fmt.Sprintf("prescription_%s.txt", sess.ID)
	data := []byte(content)
	if s.opts.FontPath != "" {
		pdf, err := s.renderPDF(content)
		if err != nil {
			return "", err
		}
		name, data = fmt.Sprintf("prescription_%s.pdf", sess.ID), pdf
	}

	path := filepath.Join(s.opts.OutputDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write prescription")
	}
	s.log.InfoContext(ctx, "prescription generated", "session_id", sess.ID, "path", path)

	if s.tgClient != nil && s.opts.DoctorChatID != 0 {
		// Delivery is best effort; the stored document is the reference.
		if err := s.tgClient.SendDocument(ctx, s.opts.DoctorChatID, data, name); err != nil {
			s.log.WarnContext(ctx, "sending prescription to doctor failed", "session_id", sess.ID, "error", err)
		}
	}
	return path, nil
}

func (s *Service) renderPDF(content string) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	if err := pdf.AddTTFFont("body", s.opts.FontPath); err != nil {
		return nil, errors.Wrapf(err, "load font %s", s.opts.FontPath)
	}
	if err := pdf.SetFont("body", "", 16); err != nil {
		return nil, err
	}
	pdf.SetXY(40, 40)
	pdf.Cell(nil, "Consultation Summary")
	pdf.Br(30)

	if err := pdf.SetFont("body", "", 11); err != nil {
		return nil, err
	}
	const (
		lineHeight = 14
		pageBottom = 800
	)
	for _, paragraph := range strings.Split(content, "\n") {
		lines := []string{""}
		if paragraph != "" {
			var err error
			if lines, err = pdf.SplitText(paragraph, 500); err != nil {
				return nil, errors.Wrap(err, "layout prescription")
			}
		}
		for _, l := range lines {
			if pdf.GetY() > pageBottom {
				pdf.AddPage()
				pdf.SetY(40)
			}
			pdf.SetX(40)
			pdf.Cell(nil, l)
			pdf.Br(lineHeight)
		}
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to write PDF")
	}
	return buf.Bytes(), nil
}

func localizedQuestion(sess consultation.Session, i int) string {
	if i < len(sess.LocalizedQuestions) && sess.LocalizedQuestions[i] != "" {
		return sess.LocalizedQuestions[i]
	}
	return sess.Conversation[i].Question
}
