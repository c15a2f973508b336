// Package legalytics is a Go client for the Legalytics case retrieval API.
//
// A search takes either free text or a judgment PDF and returns the most
// similar cases in the corpus, best first:
//
//	client, _ := legalytics.New("http://localhost:8000", legalytics.WithAPIKey(key))
//	cases, _ := client.SearchText(ctx, "anticipatory bail in a dowry case", 5)
//
//	f, _ := os.Open("judgment.pdf")
//	cases, _ = client.SearchPDF(ctx, "judgment.pdf", f, 3)
//
// Non-2xx responses are returned as *APIError, which matches the sentinel
// errors of this package with errors.Is.
package legalytics
