package chat

import "github.com/xkilldash9x/quill/internal/browser/locator"

// Targets is the declarative description of the chat application's UI.
// Candidates within a target are tried in order, so the most specific and
// most stable selectors come first.
type Targets struct {
	Editor       locator.Target
	AttachMenu   locator.Target
	UploadAction locator.Target

	// CopyResponse is the copy control of the last response. A fresh
	// conversation holds exactly one response, so the first match is it.
	CopyResponse locator.Target
	OverflowMenu locator.Target
	OverflowCopy locator.Target

	ArtifactPanel   locator.Target
	ArtifactContent locator.Target
	ArtifactCopy    locator.Target

	// StreamingAttr is set to "false" on a response that finished streaming.
	StreamingAttr string
	// ResponseSelectors match assistant response nodes.
	ResponseSelectors []string
	// UserMessageSelectors match user message nodes.
	UserMessageSelectors []string
	// SpinnerSelectors match in-progress indicators anywhere in the page.
	SpinnerSelectors []string
	// InProgressTexts are localized status strings shown while a response is
	// still being produced, without their trailing ellipsis. Matching them is
	// a best-effort last resort.
	InProgressTexts []string
}

// DefaultTargets returns the candidates for the Claude web application.
func DefaultTargets() Targets {
	return Targets{
		Editor: locator.Target{
			Name: "prompt editor",
			Candidates: []string{
				`div[contenteditable="true"].ProseMirror`,
				`[data-testid="chat-input"] [contenteditable="true"]`,
				`fieldset [contenteditable="true"]`,
				`textarea`,
			},
			Scope: locator.ScopeMainOnly,
		},
		AttachMenu: locator.Target{
			Name: "attach menu",
			Candidates: []string{
				`button[data-testid="input-menu-plus"]`,
				`button[aria-label="Add files, connectors, and more"]`,
				`button[aria-label*="Attach"]`,
				`button[aria-label*="첨부"]`,
			},
			Scope: locator.ScopeMainOnly,
		},
		UploadAction: locator.Target{
			Name: "upload control",
			Candidates: []string{
				`[data-testid="file-upload"]`,
				`[role="menuitem"][data-testid*="upload"]`,
				locator.TextPrefix + "Upload a file",
				locator.TextPrefix + "파일 업로드",
				`button[aria-label*="Upload"]`,
			},
		},
		CopyResponse: locator.Target{
			Name: "copy control",
			Candidates: []string{
				`[data-testid="action-bar-copy"]:not([disabled])`,
				`button[aria-label="Copy"]:not([disabled])`,
				`button[aria-label="복사"]:not([disabled])`,
			},
			Scope: locator.ScopeMainOnly,
		},
		OverflowMenu: locator.Target{
			Name: "response menu",
			Candidates: []string{
				`[data-testid="action-bar-more"]`,
				`button[aria-label="More options"]`,
				`button[aria-haspopup="menu"][aria-label*="More"]`,
			},
			Scope: locator.ScopeMainOnly,
		},
		OverflowCopy: locator.Target{
			Name: "menu copy action",
			Candidates: []string{
				`[role="menuitem"][data-testid*="copy"]`,
				locator.TextPrefix + "Copy",
				locator.TextPrefix + "복사",
			},
		},
		ArtifactPanel: locator.Target{
			Name: "artifact panel",
			Candidates: []string{
				`[data-testid="artifact-view"]`,
				`div[class*="artifact-panel"]`,
				`iframe[title*="artifact" i]`,
			},
			Scope: locator.ScopeMainOnly,
		},
		ArtifactContent: locator.Target{
			Name: "artifact content",
			Candidates: []string{
				`[data-testid="artifact-view"] .standard-markdown`,
				`[data-testid="artifact-view"] [class*="markdown"]`,
				`#markdown-artifact`,
				`main .prose`,
			},
			FrameURLPattern: "artifact",
		},
		ArtifactCopy: locator.Target{
			Name: "artifact copy control",
			Candidates: []string{
				`[data-testid="artifact-view"] button[aria-label="Copy"]`,
				`[data-testid="artifact-copy"]`,
				locator.TextPrefix + "Copy",
				locator.TextPrefix + "복사",
			},
		},
		StreamingAttr: "data-is-streaming",
		ResponseSelectors: []string{
			`[data-testid="assistant-message"]`,
			`.font-claude-response`,
			`.font-claude-message`,
		},
		UserMessageSelectors: []string{
			`[data-testid="user-message"]`,
			`.font-user-message`,
		},
		SpinnerSelectors: []string{
			`[data-testid="streaming-indicator"]`,
			`[class*="animate-spin"]`,
			`[class*="animate-pulse"]`,
		},
		InProgressTexts: []string{
			"생성 중",
			"작성 중",
			"검색 중",
			"리서치 중",
			"생각 중",
			"입력 중",
			"Thinking",
			"Researching",
			"Searching",
			"Writing",
			"Typing",
		},
	}
}
