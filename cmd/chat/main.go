package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
)

func main() {
	server := flag.String("server", "http://localhost:8321", "codeassist server URL")
	conversation := flag.String("conversation", "cli", "Conversation id")
	flag.Parse()

	fmt.Println("codeassist CLI Chat")
	fmt.Printf("Server: %s | Conversation: %s\n", *server, *conversation)
	fmt.Println("Type 'exit' or 'quit' to leave. Ctrl-C stops a reply in progress.")
	fmt.Println("Commands: /new, /history, /compress [into], /save <file>, /load <file>, /chats, /providers")
	fmt.Println("---")

	c := &client{server: *server, conversation: *conversation}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}

		cmd, arg, _ := strings.Cut(input, " ")
		switch cmd {
		case "/new":
			c.reset()
		case "/history":
			c.history()
		case "/compress":
			c.compress(strings.TrimSpace(arg))
		case "/save":
			c.save(strings.TrimSpace(arg))
		case "/load":
			c.load(strings.TrimSpace(arg))
		case "/chats":
			c.chats()
		case "/providers":
			c.providers()
		default:
			c.send(input)
		}
	}
}

type client struct {
	server       string
	conversation string
}

func (c *client) chatURL(suffix string) string {
	return c.server + "/api/chat/" + c.conversation + suffix
}

// send streams one chat turn.
func (c *client) send(message string) {
	body, _ := json.Marshal(map[string]string{"message": message})
	c.stream(c.chatURL(""), body)
}

// compress replaces the conversation with a summary, or starts into with
// it and switches to that conversation.
func (c *client) compress(into string) {
	target := c.chatURL("/compress")
	if into != "" {
		target += "?into=" + url.QueryEscape(into)
	}
	fmt.Println("\033[33mSummarizing...\033[0m")
	if c.stream(target, nil) && into != "" {
		c.conversation = into
		fmt.Printf("Switched to %s\n", into)
	}
}

// stream posts body to target and prints the reply as it arrives. Ctrl-C
// cancels the stream and asks the server to stop the turn. It reports
// whether the reply completed.
func (c *client) stream(target string, body []byte) bool {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		printServerError(resp)
		return false
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev struct {
			Type         string `json:"type"`
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
			Error        string `json:"error"`
			Guidance     string `json:"guidance"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			printError("Bad event: %v", err)
			return false
		}
		switch ev.Type {
		case "token":
			fmt.Print(ev.Text)
		case "done":
			if ev.FinishReason == "length" {
				fmt.Print("\n\033[33m(reply truncated)\033[0m")
			}
			fmt.Println()
			return true
		case "error":
			fmt.Println()
			printError("%s", ev.Error)
			if ev.Guidance != "" {
				printError("%s", ev.Guidance)
			}
			return false
		}
	}
	if ctx.Err() != nil {
		fmt.Println()
		c.stopTurn()
		fmt.Println("\033[33m(stopped)\033[0m")
	}
	return false
}

func (c *client) stopTurn() {
	resp, err := http.Post(c.chatURL("/stop"), "application/json", nil)
	if err != nil {
		printError("Stop failed: %v", err)
		return
	}
	resp.Body.Close()
}

func (c *client) reset() {
	req, _ := http.NewRequest(http.MethodDelete, c.chatURL(""), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Reset failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		printServerError(resp)
		return
	}
	fmt.Println("Started a new chat.")
}

type chatDocument struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Tokens  int    `json:"tokens"`
	} `json:"messages"`
}

func (c *client) history() {
	data, ok := c.export()
	if !ok {
		return
	}
	var doc chatDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		printError("Failed to parse history: %v", err)
		return
	}
	if len(doc.Messages) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	total := 0
	for _, m := range doc.Messages {
		color := "36"
		if m.Role == "user" {
			color = "32"
		}
		fmt.Printf("\033[%sm[%s]\033[0m %s\n", color, m.Role, m.Content)
		total += m.Tokens
	}
	fmt.Printf("(%d messages, %d tokens)\n", len(doc.Messages), total)
}

func (c *client) export() ([]byte, bool) {
	resp, err := http.Get(c.chatURL("/history"))
	if err != nil {
		printError("Failed to fetch history: %v", err)
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printServerError(resp)
		return nil, false
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		printError("Failed to read history: %v", err)
		return nil, false
	}
	return data, true
}

func (c *client) save(path string) {
	if path == "" {
		printError("usage: /save <file>")
		return
	}
	data, ok := c.export()
	if !ok {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		printError("Save failed: %v", err)
		return
	}
	fmt.Printf("Saved to %s\n", path)
}

func (c *client) load(path string) {
	if path == "" {
		printError("usage: /load <file>")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		printError("Load failed: %v", err)
		return
	}
	req, _ := http.NewRequest(http.MethodPut, c.chatURL("/history"), bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Load failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printServerError(resp)
		return
	}
	var result struct {
		Evicted int `json:"evicted"`
		Tokens  int `json:"tokens"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	fmt.Printf("Loaded %s (%d tokens", path, result.Tokens)
	if result.Evicted > 0 {
		fmt.Printf(", %d oldest messages dropped to fit", result.Evicted)
	}
	fmt.Println(")")
}

func (c *client) chats() {
	resp, err := http.Get(c.server + "/api/chats")
	if err != nil {
		printError("Failed to fetch chats: %v", err)
		return
	}
	defer resp.Body.Close()
	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		printError("Failed to parse chats: %v", err)
		return
	}
	if len(ids) == 0 {
		fmt.Println("No conversations yet.")
		return
	}
	for _, id := range ids {
		marker := " "
		if id == c.conversation {
			marker = "*"
		}
		fmt.Printf(" %s %s\n", marker, id)
	}
}

func (c *client) providers() {
	resp, err := http.Get(c.server + "/api/providers")
	if err != nil {
		printError("Failed to fetch providers: %v", err)
		return
	}
	defer resp.Body.Close()
	var profiles []struct {
		Name  string `json:"name"`
		Type  string `json:"type"`
		Model string `json:"model"`
		Local bool   `json:"local"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profiles); err != nil {
		printError("Failed to parse providers: %v", err)
		return
	}
	fmt.Println("Provider profiles:")
	for _, p := range profiles {
		where := "remote"
		if p.Local {
			where = "local"
		}
		fmt.Printf("  %s (%s, %s) %s\n", p.Name, p.Type, where, p.Model)
	}
}

func printServerError(resp *http.Response) {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		printError("Server error (%d): %s", resp.StatusCode, body.Error)
		return
	}
	printError("Server error (%d): %s", resp.StatusCode, string(data))
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
