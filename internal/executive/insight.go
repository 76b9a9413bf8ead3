package executive

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"eva/internal/apierror"
	"eva/internal/logging"
	"eva/internal/memory"
	"eva/internal/model"
)

// insightRequest is the POST /insight body.
type insightRequest struct {
	ClipID         string         `json:"clip_id"`
	TriggerFrameID string         `json:"trigger_frame_id"`
	Frames         []framePayload `json:"frames"`
}

type framePayload struct {
	FrameID      string `json:"frame_id"`
	TsMs         int64  `json:"ts_ms"`
	MIME         string `json:"mime"`
	AssetRelPath string `json:"asset_rel_path"`
}

// insightSummary is the user-facing slice of the insight result.
type insightSummary struct {
	OneLiner    string   `json:"one_liner"`
	WhatChanged []string `json:"what_changed"`
	TTSResponse string   `json:"tts_response"`
	Severity    string   `json:"severity"`
	Tags        []string `json:"tags"`
}

// handleInsight loads the referenced frame assets, invokes the model through
// the mandatory submit_insight tool, and appends a wm_insight entry.
func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	var req insightRequest
	if err := s.readJSONBody(w, r, s.Config.Insight.MaxBodyBytes, &req); err != nil {
		apierror.Write(w, err)
		return
	}

	maxFrames := s.maxFrames()
	if len(req.Frames) == 0 {
		apierror.Write(w, apierror.Invalid("frames must contain at least one frame"))
		return
	}
	if len(req.Frames) > maxFrames {
		apierror.Write(w, apierror.New(http.StatusBadRequest, apierror.CodeTooManyFrames,
			fmt.Sprintf("got %d frames, limit is %d", len(req.Frames), maxFrames)))
		return
	}

	nowMs := s.now()
	if err := s.checkCooldown(nowMs); err != nil {
		apierror.Write(w, err)
		return
	}

	images := make([]model.ImagePart, 0, len(req.Frames))
	assets := make([]string, 0, len(req.Frames))
	for i, frame := range req.Frames {
		data, err := s.loadAsset(frame.AssetRelPath, i)
		if err != nil {
			apierror.Write(w, err)
			return
		}
		mime := frame.MIME
		if mime == "" {
			mime = "image/jpeg"
		}
		images = append(images, model.ImagePart{MIMEType: mime, Data: data})
		assets = append(assets, frame.AssetRelPath)
	}

	toolResp, err := s.Client.CompleteWithTools(r.Context(), model.ToolRequest{
		SystemPrompt: s.insightSystemPrompt(),
		UserPrompt:   insightUserPrompt(req, len(images)),
		Images:       images,
		Tools:        []model.ToolDefinition{model.InsightTool(s.Whitelist.Values())},
	})
	if err != nil {
		apierror.Write(w, apierror.ModelFailed(err))
		return
	}

	call := toolResp.FirstCall(model.ToolSubmitInsight)
	if call == nil {
		apierror.Write(w, apierror.New(http.StatusBadGateway, apierror.CodeModelNoToolCall,
			"model did not call submit_insight"))
		return
	}
	args, err := model.ParseInsight(call)
	if err != nil {
		apierror.Write(w, apierror.New(http.StatusBadGateway, apierror.CodeModelInvalidToolArgs, err.Error()))
		return
	}

	cleanTags := s.Whitelist.Sanitize(args.Tags, "awareness")
	usage := memory.Usage{
		InputTokens:  toolResp.Usage.InputTokens,
		OutputTokens: toolResp.Usage.OutputTokens,
	}

	entry := &memory.Entry{
		Type:           memory.KindInsight,
		TsMs:           nowMs,
		Source:         "vision",
		ClipID:         req.ClipID,
		TriggerFrameID: req.TriggerFrameID,
		Severity:       args.Severity,
		OneLiner:       args.OneLiner,
		WhatChanged:    args.WhatChanged,
		Tags:           cleanTags,
		Assets:         assets,
		Narration:      args.TTSResponse,
		Usage:          &usage,
	}
	if err := s.Queue.Do("insight-append", func() error {
		return s.Log.Append([]*memory.Entry{entry})
	}); err != nil {
		apierror.Write(w, apierror.StorageFailed(err))
		return
	}

	logging.HTTP("Insight for clip %s: severity=%s tags=%v", req.ClipID, args.Severity, cleanTags)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": insightSummary{
			OneLiner:    args.OneLiner,
			WhatChanged: args.WhatChanged,
			TTSResponse: args.TTSResponse,
			Severity:    args.Severity,
			Tags:        cleanTags,
		},
		"usage": usage,
	})
}

// checkCooldown enforces the minimum spacing between insight requests. The
// timestamp advances only when the request is admitted.
func (s *Server) checkCooldown(nowMs int64) error {
	cooldown := s.Config.Insight.CooldownMs
	if cooldown <= 0 {
		return nil
	}
	s.insightMu.Lock()
	defer s.insightMu.Unlock()

	if s.lastInsightMs > 0 && nowMs-s.lastInsightMs < cooldown {
		retryAfter := cooldown - (nowMs - s.lastInsightMs)
		return apierror.New(http.StatusTooManyRequests, apierror.CodeCooldownActive,
			fmt.Sprintf("insight requested %dms ago, cooldown is %dms", nowMs-s.lastInsightMs, cooldown)).
			WithExtra(map[string]interface{}{"retryAfterMs": retryAfter})
	}
	s.lastInsightMs = nowMs
	return nil
}

// loadAsset resolves a frame's relative path inside the assets directory and
// refuses anything that escapes it.
func (s *Server) loadAsset(relPath string, index int) ([]byte, *apierror.E) {
	if relPath == "" {
		return nil, apierror.Invalid(fmt.Sprintf("frames[%d].asset_rel_path is required", index))
	}

	cleaned := filepath.Clean(relPath)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return nil, apierror.New(http.StatusBadRequest, apierror.CodeInsightAssetInvalidPath,
			fmt.Sprintf("asset path %q escapes the assets directory", relPath))
	}

	data, err := os.ReadFile(filepath.Join(s.Paths.AssetsDir, cleaned))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierror.New(http.StatusNotFound, apierror.CodeInsightAssetMissing,
				fmt.Sprintf("asset %q does not exist", relPath))
		}
		return nil, apierror.New(http.StatusInternalServerError, apierror.CodeMemoryWriteFailed,
			fmt.Sprintf("failed to read asset %q: %v", relPath, err))
	}
	return data, nil
}

func (s *Server) insightSystemPrompt() string {
	style := "Keep the spoken remark calm, neutral, and free of slang."
	if s.Config.Insight.TTSStyle == "spicy" {
		style = "The spoken remark may be playful and opinionated, but never crude."
	}
	return "You watch a camera feed and describe what changed across the supplied frames.\n" +
		"Report only what is visible. Never invent people, objects, or motion.\n" +
		style + "\n" +
		"You must answer by calling submit_insight exactly once."
}

func insightUserPrompt(req insightRequest, frameCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze these %d frames in order.", frameCount)
	if req.ClipID != "" {
		fmt.Fprintf(&b, " Clip: %s.", req.ClipID)
	}
	if req.TriggerFrameID != "" {
		fmt.Fprintf(&b, " Trigger frame: %s.", req.TriggerFrameID)
	}
	return b.String()
}
