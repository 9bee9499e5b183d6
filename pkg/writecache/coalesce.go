package writecache

// coalesce removes the next dispatchable group from the head of the list.
// The input requests are locked, off-list and sorted by page index.
//
// A request joins the group only if it belongs to the same file and
// credential as the previous one, covers the page immediately after it, and
// starts at byte zero of its page. The group ends early after any request
// that does not reach the end of its page, since the next one could not be
// contiguous on the wire, and at maxPages.
func coalesce(head *[]*Request, maxPages int, pageSize uint32) []*Request {
	src := *head
	var group []*Request
	var prev *Request

	for len(src) > 0 {
		req := src[0]
		if prev != nil {
			if req.file != prev.file || req.cred != prev.cred {
				break
			}
			if req.page.Index() != prev.page.Index()+1 {
				break
			}
			if req.offset != 0 {
				break
			}
		}

		src = src[1:]
		group = append(group, req)
		prev = req

		if req.offset+req.bytes != pageSize {
			break
		}
		if len(group) >= maxPages {
			break
		}
	}

	*head = src
	return group
}
